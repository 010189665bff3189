// Package resources collects the modules, data files, extension modules and
// shared libraries destined for an embedded interpreter and decides how each
// one is packed.
package resources

import (
	"github.com/frederic-klein/pyembed/internal/dist"
)

// BytecodeProvider yields bytecode for a module, either by compiling source
// at packing time or from bytes supplied up front.
type BytecodeProvider interface {
	isBytecodeProvider()
}

// FromSource compiles Source when resources are packed.
type FromSource struct {
	Source dist.FileData
}

// Provided is already compiled bytecode.
type Provided struct {
	Bytecode dist.FileData
}

func (FromSource) isBytecodeProvider() {}
func (Provided) isBytecodeProvider()   {}

// RelativeFile is content materialized next to the binary at Path.
type RelativeFile struct {
	Path string
	Data dist.FileData
}

// RelativeBytecode is a .pyc file materialized next to the binary.
type RelativeBytecode struct {
	Path     string
	Provider BytecodeProvider
}

// PrePackagedResource gathers everything known about one resource name.
// For each kind of content at most one of the in-memory and relative-path
// slots is populated; placing it again in the other family replaces it.
type PrePackagedResource struct {
	Name string

	IsPackage                bool
	IsNamespacePackage       bool
	IsModule                 bool
	IsExtensionModule        bool
	IsBuiltinExtensionModule bool
	IsFrozenModule           bool
	IsSharedLibrary          bool
	IsFile                   bool
	IsStdlib                 bool
	IsTest                   bool

	InMemorySource dist.FileData
	// InMemoryBytecode is indexed by optimization level.
	InMemoryBytecode                     [3]BytecodeProvider
	InMemoryExtensionModuleSharedLibrary dist.FileData
	InMemoryResources                    map[string]dist.FileData
	InMemorySharedLibrary                dist.FileData
	SharedLibraryDependencyNames         []string

	RelativePathModuleSource                 *RelativeFile
	RelativePathBytecode                     [3]*RelativeBytecode
	RelativePathExtensionModuleSharedLibrary *RelativeFile
	RelativePathPackageResources             map[string]RelativeFile
	RelativePathSharedLibrary                *RelativeFile

	FileExecutable       bool
	FileDataEmbedded     dist.FileData
	FileDataRelativePath *RelativeFile
}

// ModuleSource is Python source for a module or package.
type ModuleSource struct {
	Name      string
	Source    dist.FileData
	IsPackage bool
	IsStdlib  bool
	IsTest    bool
}

// ModuleBytecodeRequest asks for source to be compiled at a given level.
type ModuleBytecodeRequest struct {
	Name          string
	Source        dist.FileData
	OptimizeLevel int
	IsPackage     bool
	CacheTag      string
}

// ModuleBytecode is precompiled bytecode for a module.
type ModuleBytecode struct {
	Name          string
	Bytecode      dist.FileData
	OptimizeLevel int
	IsPackage     bool
	CacheTag      string
}

// PackageResource is a non-code file owned by a package.
type PackageResource struct {
	LeafPackage  string
	RelativeName string
	Data         dist.FileData
	IsStdlib     bool
	IsTest       bool
}

// SharedLibrary is a shared library loaded by extension modules.
type SharedLibrary struct {
	Name     string
	Filename string
	Data     dist.FileData
}

// File is an arbitrary file addressed by its relative path.
type File struct {
	Path       string
	Data       dist.FileData
	Executable bool
}
