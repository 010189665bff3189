package embed

// EmbeddedContext is everything a linker stage needs to produce a binary
// with an embedded interpreter.
type EmbeddedContext struct {
	Name                 string
	TargetTriple         string
	PythonImplementation string
	PythonVersion        string
	BuildFlags           []string

	Config       InterpreterConfig
	LinkSettings LinkSettings

	// PackedResources holds the serialized resources when they are
	// embedded in the binary, under PackedResourcesFilename.
	PackedResources         []byte
	PackedResourcesFilename string

	// ExtraFiles are installed next to the binary.
	ExtraFiles *FileManifest
	Licensing  *Licensing

	// FileUsers lists in-memory modules referencing __file__.
	FileUsers []string
	// Resources is the number of packed resources.
	Resources int
}
