package embed

import (
	"fmt"
	"strings"
)

// Profile selects how the embedded interpreter initializes its config.
type Profile string

const (
	ProfileIsolated Profile = "isolated"
	ProfilePython   Profile = "python"
)

// ParseProfile accepts "isolated" or "python".
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileIsolated, ProfilePython:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("%s is not a valid profile; use 'isolated' or 'python'", s)
	}
}

// AllocatorBackend is the memory allocator the interpreter uses.
type AllocatorBackend string

const (
	AllocatorDefault  AllocatorBackend = "default"
	AllocatorJemalloc AllocatorBackend = "jemalloc"
	AllocatorMimalloc AllocatorBackend = "mimalloc"
	AllocatorSnmalloc AllocatorBackend = "snmalloc"
	AllocatorGo       AllocatorBackend = "go"
)

// ParseAllocatorBackend accepts the names of the known allocators.
func ParseAllocatorBackend(s string) (AllocatorBackend, error) {
	switch b := AllocatorBackend(s); b {
	case AllocatorDefault, AllocatorJemalloc, AllocatorMimalloc, AllocatorSnmalloc, AllocatorGo:
		return b, nil
	default:
		return "", fmt.Errorf("%s is not a valid memory allocator backend", s)
	}
}

// PackedResourcesSource tells the interpreter where to find packed
// resources at run time.
type PackedResourcesSource struct {
	// Kind is "memory-include-bytes" or "memory-mapped-path".
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// InterpreterConfig is the configuration for the embedded interpreter.
type InterpreterConfig struct {
	Profile         Profile          `yaml:"profile"`
	ConfigureLocale bool             `yaml:"configure_locale"`
	Allocator       AllocatorBackend `yaml:"allocator_backend"`
	AllocatorRaw    bool             `yaml:"allocator_raw"`
	AllocatorMem    bool             `yaml:"allocator_mem"`
	AllocatorObj    bool             `yaml:"allocator_obj"`
	AllocatorDebug  bool             `yaml:"allocator_debug"`

	SetMissingPathConfiguration bool `yaml:"set_missing_path_configuration"`
	OxidizedImporter            bool `yaml:"oxidized_importer"`
	FilesystemImporter          bool `yaml:"filesystem_importer"`
	MultiprocessingAutoDispatch bool `yaml:"multiprocessing_auto_dispatch"`
	SysFrozen                   bool `yaml:"sys_frozen"`
	SysMeipass                  bool `yaml:"sys_meipass"`

	TclLibrary      string                  `yaml:"tcl_library,omitempty"`
	PackedResources []PackedResourcesSource `yaml:"packed_resources"`
}

// DefaultInterpreterConfig is an isolated interpreter importing only from
// packed resources.
func DefaultInterpreterConfig() InterpreterConfig {
	return InterpreterConfig{
		Profile: ProfileIsolated,
		// isolated mode turns locale configuration off, which mangles
		// non-ASCII arguments
		ConfigureLocale:             true,
		Allocator:                   AllocatorDefault,
		AllocatorRaw:                true,
		SetMissingPathConfiguration: true,
		OxidizedImporter:            true,
		MultiprocessingAutoDispatch: true,
		SysFrozen:                   true,
	}
}

// LoadMode is how packed resources reach the running binary.
type LoadMode struct {
	// Kind is one of "none", "embedded" or "binary-relative-memory-mapped".
	Kind string
	Path string
}

var (
	LoadNone     = LoadMode{Kind: "none"}
	LoadEmbedded = LoadMode{Kind: "embedded", Path: "packed-resources"}
)

func (m LoadMode) String() string {
	if m.Kind == "none" {
		return m.Kind
	}
	return m.Kind + ":" + m.Path
}

// ParseLoadMode reads "none", "embedded:<file>" or
// "binary-relative-memory-mapped:<path>".
func ParseLoadMode(s string) (LoadMode, error) {
	if s == "none" {
		return LoadNone, nil
	}
	kind, p, ok := strings.Cut(s, ":")
	if !ok || p == "" || (kind != "embedded" && kind != "binary-relative-memory-mapped") {
		return LoadMode{}, fmt.Errorf("%s is not a valid packed resources load mode", s)
	}
	return LoadMode{Kind: kind, Path: p}, nil
}
