package sandbox

// pythonToolchain runs source.py with the interpreter; there is no build step.
type pythonToolchain struct {
	baseToolchain
}
