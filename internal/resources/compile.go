package resources

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/frederic-klein/pyembed/internal/dist"
)

// CompileOutput selects the bytecode framing a compiler returns.
type CompileOutput int

const (
	// OutputBytecode is a bare marshalled code object, as loaded from memory.
	OutputBytecode CompileOutput = iota
	// OutputPyc adds the .pyc header for files read by the path importer.
	OutputPyc
)

// BytecodeCompiler turns Python source into bytecode.
type BytecodeCompiler interface {
	Compile(source []byte, filename string, optimize int, output CompileOutput) ([]byte, error)
}

// ErrNoCompiler is returned when bytecode must be compiled but no compiler
// was supplied.
var ErrNoCompiler = errors.New("bytecode compilation requested without a compiler")

// PackedResource is the serialized form of one resource.
type PackedResource struct {
	Name string `msgpack:"name"`

	IsPackage                bool `msgpack:"is_package,omitempty"`
	IsNamespacePackage       bool `msgpack:"is_namespace_package,omitempty"`
	IsModule                 bool `msgpack:"is_module,omitempty"`
	IsExtensionModule        bool `msgpack:"is_extension_module,omitempty"`
	IsBuiltinExtensionModule bool `msgpack:"is_builtin_extension_module,omitempty"`
	IsFrozenModule           bool `msgpack:"is_frozen_module,omitempty"`
	IsSharedLibrary          bool `msgpack:"is_shared_library,omitempty"`
	IsFile                   bool `msgpack:"is_file,omitempty"`
	IsStdlib                 bool `msgpack:"is_stdlib,omitempty"`
	IsTest                   bool `msgpack:"is_test,omitempty"`

	InMemorySource                       []byte            `msgpack:"in_memory_source,omitempty"`
	InMemoryBytecode                     []byte            `msgpack:"in_memory_bytecode,omitempty"`
	InMemoryBytecodeOpt1                 []byte            `msgpack:"in_memory_bytecode_opt1,omitempty"`
	InMemoryBytecodeOpt2                 []byte            `msgpack:"in_memory_bytecode_opt2,omitempty"`
	InMemoryExtensionModuleSharedLibrary []byte            `msgpack:"in_memory_extension_module_shared_library,omitempty"`
	InMemoryResources                    map[string][]byte `msgpack:"in_memory_resources,omitempty"`
	InMemorySharedLibrary                []byte            `msgpack:"in_memory_shared_library,omitempty"`
	SharedLibraryDependencyNames         []string          `msgpack:"shared_library_dependency_names,omitempty"`

	RelativePathModuleSource                 string            `msgpack:"relative_path_module_source,omitempty"`
	RelativePathBytecode                     string            `msgpack:"relative_path_bytecode,omitempty"`
	RelativePathBytecodeOpt1                 string            `msgpack:"relative_path_bytecode_opt1,omitempty"`
	RelativePathBytecodeOpt2                 string            `msgpack:"relative_path_bytecode_opt2,omitempty"`
	RelativePathExtensionModuleSharedLibrary string            `msgpack:"relative_path_extension_module_shared_library,omitempty"`
	RelativePathPackageResources             map[string]string `msgpack:"relative_path_package_resources,omitempty"`
	RelativePathSharedLibrary                string            `msgpack:"relative_path_shared_library,omitempty"`

	FileExecutable       bool   `msgpack:"file_executable,omitempty"`
	FileDataEmbedded     []byte `msgpack:"file_data_embedded,omitempty"`
	FileDataRelativePath string `msgpack:"file_data_relative_path,omitempty"`
}

// ExtraFile is content written next to the binary.
type ExtraFile struct {
	Path       string
	Data       dist.FileData
	Executable bool
}

// CompiledResources is the packed table plus the files it references.
type CompiledResources struct {
	Resources  []PackedResource
	ExtraFiles []ExtraFile
}

type compileState struct {
	compiler BytecodeCompiler
	extra    map[string]ExtraFile
}

// Compile resolves every resource into its packed form. Source destined
// for bytecode is compiled with compiler, which may be nil when nothing
// needs compiling.
func (c *Collector) Compile(compiler BytecodeCompiler) (*CompiledResources, error) {
	st := &compileState{compiler: compiler, extra: make(map[string]ExtraFile)}
	out := &CompiledResources{}

	for _, name := range c.Names() {
		pr, err := st.pack(c.resources[name])
		if err != nil {
			return nil, fmt.Errorf("packing %s: %w", name, err)
		}
		out.Resources = append(out.Resources, pr)
	}

	for _, p := range slices.Sorted(maps.Keys(st.extra)) {
		out.ExtraFiles = append(out.ExtraFiles, st.extra[p])
	}
	return out, nil
}

func (st *compileState) pack(r *PrePackagedResource) (PackedResource, error) {
	pr := PackedResource{
		Name:                         r.Name,
		IsPackage:                    r.IsPackage,
		IsNamespacePackage:           r.IsNamespacePackage,
		IsModule:                     r.IsModule,
		IsExtensionModule:            r.IsExtensionModule,
		IsBuiltinExtensionModule:     r.IsBuiltinExtensionModule,
		IsFrozenModule:               r.IsFrozenModule,
		IsSharedLibrary:              r.IsSharedLibrary,
		IsFile:                       r.IsFile,
		IsStdlib:                     r.IsStdlib,
		IsTest:                       r.IsTest,
		FileExecutable:               r.FileExecutable,
		SharedLibraryDependencyNames: slices.Clone(r.SharedLibraryDependencyNames),
	}

	var err error
	if pr.InMemorySource, err = resolveOptional(r.InMemorySource); err != nil {
		return pr, err
	}
	inMemoryBytecode := [3]*[]byte{&pr.InMemoryBytecode, &pr.InMemoryBytecodeOpt1, &pr.InMemoryBytecodeOpt2}
	for level, provider := range r.InMemoryBytecode {
		if provider == nil {
			continue
		}
		if *inMemoryBytecode[level], err = st.bytecode(r.Name, provider, level, OutputBytecode); err != nil {
			return pr, err
		}
	}
	if pr.InMemoryExtensionModuleSharedLibrary, err = resolveOptional(r.InMemoryExtensionModuleSharedLibrary); err != nil {
		return pr, err
	}
	if pr.InMemoryResources, err = resolveMap(r.InMemoryResources); err != nil {
		return pr, err
	}
	if pr.InMemorySharedLibrary, err = resolveOptional(r.InMemorySharedLibrary); err != nil {
		return pr, err
	}
	if pr.FileDataEmbedded, err = resolveOptional(r.FileDataEmbedded); err != nil {
		return pr, err
	}

	if pr.RelativePathModuleSource, err = st.addRelative(r.RelativePathModuleSource, false); err != nil {
		return pr, err
	}
	relativeBytecode := [3]*string{&pr.RelativePathBytecode, &pr.RelativePathBytecodeOpt1, &pr.RelativePathBytecodeOpt2}
	for level, rb := range r.RelativePathBytecode {
		if rb == nil {
			continue
		}
		data, err := st.bytecode(r.Name, rb.Provider, level, OutputPyc)
		if err != nil {
			return pr, err
		}
		if err := st.addExtra(ExtraFile{Path: rb.Path, Data: dist.MemoryData(data)}); err != nil {
			return pr, err
		}
		*relativeBytecode[level] = rb.Path
	}
	if pr.RelativePathExtensionModuleSharedLibrary, err = st.addRelative(r.RelativePathExtensionModuleSharedLibrary, false); err != nil {
		return pr, err
	}
	if pr.RelativePathPackageResources, err = st.addRelativeMap(r.RelativePathPackageResources); err != nil {
		return pr, err
	}
	if pr.RelativePathSharedLibrary, err = st.addRelative(r.RelativePathSharedLibrary, false); err != nil {
		return pr, err
	}
	if pr.FileDataRelativePath, err = st.addRelative(r.FileDataRelativePath, r.FileExecutable); err != nil {
		return pr, err
	}
	return pr, nil
}

func (st *compileState) bytecode(name string, provider BytecodeProvider, level int, output CompileOutput) ([]byte, error) {
	switch p := provider.(type) {
	case Provided:
		return p.Bytecode.Resolve()
	case FromSource:
		if st.compiler == nil {
			return nil, ErrNoCompiler
		}
		source, err := p.Source.Resolve()
		if err != nil {
			return nil, err
		}
		data, err := st.compiler.Compile(source, name, level, output)
		if err != nil {
			return nil, fmt.Errorf("compiling bytecode at level %d: %w", level, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown bytecode provider %T", provider)
	}
}

func (st *compileState) addExtra(f ExtraFile) error {
	if _, ok := st.extra[f.Path]; ok {
		return fmt.Errorf("duplicate file %s", f.Path)
	}
	st.extra[f.Path] = f
	return nil
}

func (st *compileState) addRelative(rf *RelativeFile, executable bool) (string, error) {
	if rf == nil {
		return "", nil
	}
	if err := st.addExtra(ExtraFile{Path: rf.Path, Data: rf.Data, Executable: executable}); err != nil {
		return "", err
	}
	return rf.Path, nil
}

func (st *compileState) addRelativeMap(files map[string]RelativeFile) (map[string]string, error) {
	if files == nil {
		return nil, nil
	}
	out := make(map[string]string, len(files))
	for _, name := range slices.Sorted(maps.Keys(files)) {
		rf := files[name]
		p, err := st.addRelative(&rf, false)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

func resolveOptional(fd dist.FileData) ([]byte, error) {
	if fd == nil {
		return nil, nil
	}
	return fd.Resolve()
}

func resolveMap(m map[string]dist.FileData) (map[string][]byte, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string][]byte, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		data, err := m[name].Resolve()
		if err != nil {
			return nil, fmt.Errorf("reading resource %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}
