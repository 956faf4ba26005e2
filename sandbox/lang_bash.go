package sandbox

// bashToolchain writes source.sh with the executable bit set so it can also be
// launched directly; the default run command still goes through the interpreter.
type bashToolchain struct {
	baseToolchain
}

func (b *bashToolchain) Materialize(fs FileSystem, ws *Workspace, code string) (SourceFile, error) {
	src, err := writeSource(fs, ws, "source", b.profile.FileExtension, code, ExecutablePermission)
	if err != nil {
		return SourceFile{}, err
	}
	// WriteFile leaves the mode of an existing file untouched and is subject to umask.
	if err := fs.Chmod(src.Path, ExecutablePermission); err != nil {
		return SourceFile{}, resourceError(err, "failed to mark script executable")
	}
	return src, nil
}
