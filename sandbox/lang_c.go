package sandbox

const cBinaryFilename = "program"

// cToolchain compiles source.c into ./program and executes the binary directly.
type cToolchain struct {
	baseToolchain
}
