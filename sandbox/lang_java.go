package sandbox

import "regexp"

var (
	javaPublicClassPattern = regexp.MustCompile(`\bpublic\s+(?:(?:final|abstract)\s+)*class\s+([A-Za-z_$][A-Za-z0-9_$]*)[^{;]*\{`)
	javaClassPattern       = regexp.MustCompile(`\bclass\s+([A-Za-z_$][A-Za-z0-9_$]*)[^{;]*\{`)
)

// javaToolchain names the source file after the declared class, compiles it
// with javac and launches the class by name.
type javaToolchain struct {
	baseToolchain
}

func (j *javaToolchain) Materialize(fs FileSystem, ws *Workspace, code string) (SourceFile, error) {
	name, err := JavaClassName(code)
	if err != nil {
		return SourceFile{}, err
	}
	return writeSource(fs, ws, name, j.profile.FileExtension, code, FilePermission)
}

// JavaClassName extracts the class the source file must be named after: the
// first public class when there is one, otherwise the first class declaration.
func JavaClassName(code string) (string, error) {
	if m := javaPublicClassPattern.FindStringSubmatch(code); m != nil {
		return m[1], nil
	}
	if m := javaClassPattern.FindStringSubmatch(code); m != nil {
		return m[1], nil
	}
	return "", malformedInputError("Could not find a class declaration in Java source")
}
