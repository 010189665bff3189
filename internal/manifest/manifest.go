package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/frederic-klein/pyembed/internal/dist"
)

const (
	// FileName is the descriptor name inside the python/ directory.
	FileName = "PYTHON.json"
	// SupportedVersion is the only descriptor schema version understood.
	SupportedVersion = "7"
)

var (
	// ErrNotFound means the distribution does not carry a descriptor and is
	// therefore not of a supported shape.
	ErrNotFound = errors.New("PYTHON.json does not exist; the distribution is not of a supported shape")
	// ErrMissingVersion means the descriptor has no version key.
	ErrMissingVersion = errors.New("version key not present in PYTHON.json")
	// ErrVersionType means the version key is not a string.
	ErrVersionType = errors.New("unable to parse version as a string")
)

// VersionError reports an unsupported descriptor schema version.
type VersionError struct {
	Found    string
	Expected string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported manifest version %s, expected %s", e.Found, e.Expected)
}

// LinkEntry is a library the core or an extension links against.
type LinkEntry struct {
	Name        string  `json:"name"`
	PathStatic  *string `json:"path_static"`
	PathDynamic *string `json:"path_dynamic"`
	Framework   *bool   `json:"framework"`
	System      *bool   `json:"system"`
}

// LibraryDependency resolves the entry against the python/ root.
func (l LinkEntry) LibraryDependency(pythonRoot string) dist.LibraryDependency {
	dep := dist.LibraryDependency{Name: l.Name}
	if l.PathStatic != nil {
		dep.StaticLibrary = dist.PathData(filepath.Join(pythonRoot, filepath.FromSlash(*l.PathStatic)))
		dep.StaticFilename = dist.BaseName(*l.PathStatic)
	}
	if l.PathDynamic != nil {
		dep.DynamicLibrary = dist.PathData(filepath.Join(pythonRoot, filepath.FromSlash(*l.PathDynamic)))
		dep.DynamicFilename = dist.BaseName(*l.PathDynamic)
	}
	if l.Framework != nil {
		dep.Framework = *l.Framework
	}
	if l.System != nil {
		dep.System = *l.System
	}
	return dep
}

// ExtensionInfo is one build variant of an extension module.
type ExtensionInfo struct {
	InCore              bool        `json:"in_core"`
	InitFn              string      `json:"init_fn"`
	Licenses            []string    `json:"licenses"`
	LicensePaths        []string    `json:"license_paths"`
	LicensePublicDomain *bool       `json:"license_public_domain"`
	Links               []LinkEntry `json:"links"`
	Objs                []string    `json:"objs"`
	Required            bool        `json:"required"`
	StaticLib           *string     `json:"static_lib"`
	SharedLib           *string     `json:"shared_lib"`
	Variant             string      `json:"variant"`
}

// CoreInfo describes the objects making up libpython.
type CoreInfo struct {
	Objs      []string    `json:"objs"`
	Links     []LinkEntry `json:"links"`
	SharedLib *string     `json:"shared_lib"`
	StaticLib *string     `json:"static_lib"`
}

// BuildInfo is the build_info block.
type BuildInfo struct {
	Core             CoreInfo                   `json:"core"`
	Extensions       map[string][]ExtensionInfo `json:"extensions"`
	InittabObject    string                     `json:"inittab_object"`
	InittabSource    string                     `json:"inittab_source"`
	InittabCflags    []string                   `json:"inittab_cflags"`
	ObjectFileFormat string                     `json:"object_file_format"`
}

// Manifest is a parsed PYTHON.json descriptor.
type Manifest struct {
	Version                        string              `json:"version"`
	TargetTriple                   string              `json:"target_triple"`
	Optimizations                  string              `json:"optimizations"`
	PythonTag                      string              `json:"python_tag"`
	PythonABITag                   *string             `json:"python_abi_tag"`
	PythonConfigVars               map[string]string   `json:"python_config_vars"`
	PythonPlatformTag              string              `json:"python_platform_tag"`
	PythonImplementationCacheTag   string              `json:"python_implementation_cache_tag"`
	PythonImplementationHexVersion uint64              `json:"python_implementation_hex_version"`
	PythonImplementationName       string              `json:"python_implementation_name"`
	PythonImplementationVersion    []string            `json:"python_implementation_version"`
	PythonVersion                  string              `json:"python_version"`
	PythonMajorMinorVersion        string              `json:"python_major_minor_version"`
	PythonPaths                    map[string]string   `json:"python_paths"`
	PythonPathsAbstract            map[string]string   `json:"python_paths_abstract"`
	PythonExe                      string              `json:"python_exe"`
	PythonStdlibTestPackages       []string            `json:"python_stdlib_test_packages"`
	PythonSuffixes                 map[string][]string `json:"python_suffixes"`
	PythonBytecodeMagicNumber      string              `json:"python_bytecode_magic_number"`
	PythonSymbolVisibility         string              `json:"python_symbol_visibility"`
	PythonExtensionModuleLoading   []string            `json:"python_extension_module_loading"`
	AppleSDKCanonicalName          *string             `json:"apple_sdk_canonical_name"`
	AppleSDKPlatform               *string             `json:"apple_sdk_platform"`
	AppleSDKVersion                *string             `json:"apple_sdk_version"`
	AppleSDKDeploymentTarget       *string             `json:"apple_sdk_deployment_target"`
	LibpythonLinkMode              string              `json:"libpython_link_mode"`
	CRTFeatures                    []string            `json:"crt_features"`
	RunTests                       string              `json:"run_tests"`
	BuildInfo                      BuildInfo           `json:"build_info"`
	Licenses                       []string            `json:"licenses"`
	LicensePath                    *string             `json:"license_path"`
	TclLibraryPath                 *string             `json:"tcl_library_path"`
	TclLibraryPaths                []string            `json:"tcl_library_paths"`
}

// ModuleSuffixes holds the filename suffixes per module class.
type ModuleSuffixes struct {
	Source            []string
	Bytecode          []string
	DebugBytecode     []string
	OptimizedBytecode []string
	Extension         []string
}

// ModuleSuffixes extracts the suffix classes. Every class must be present.
func (m *Manifest) ModuleSuffixes() (ModuleSuffixes, error) {
	get := func(class string) ([]string, error) {
		v, ok := m.PythonSuffixes[class]
		if !ok {
			return nil, fmt.Errorf("distribution does not define %s suffixes", class)
		}
		return v, nil
	}

	var s ModuleSuffixes
	var err error
	if s.Source, err = get("source"); err != nil {
		return s, err
	}
	if s.Bytecode, err = get("bytecode"); err != nil {
		return s, err
	}
	if s.DebugBytecode, err = get("debug_bytecode"); err != nil {
		return s, err
	}
	if s.OptimizedBytecode, err = get("optimized_bytecode"); err != nil {
		return s, err
	}
	if s.Extension, err = get("extension"); err != nil {
		return s, err
	}
	return s, nil
}

// AppleSDK reports the Apple SDK block, if the distribution declares one.
func (m *Manifest) AppleSDK() (AppleSDKInfo, bool) {
	if m.AppleSDKCanonicalName == nil || m.AppleSDKPlatform == nil ||
		m.AppleSDKVersion == nil || m.AppleSDKDeploymentTarget == nil {
		return AppleSDKInfo{}, false
	}
	return AppleSDKInfo{
		CanonicalName:    *m.AppleSDKCanonicalName,
		Platform:         *m.AppleSDKPlatform,
		Version:          *m.AppleSDKVersion,
		DeploymentTarget: *m.AppleSDKDeploymentTarget,
	}, true
}

// AppleSDKInfo describes the SDK a macOS distribution was built with.
type AppleSDKInfo struct {
	CanonicalName    string
	Platform         string
	Version          string
	DeploymentTarget string
}

// Parse reads and validates the descriptor at path.
func Parse(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// ParseBytes validates the version of a raw descriptor, then decodes it.
func ParseBytes(data []byte) (*Manifest, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("PYTHON.json does not parse to an object")
	}

	v, ok := obj["version"]
	if !ok {
		return nil, ErrMissingVersion
	}
	version, ok := v.(string)
	if !ok {
		return nil, ErrVersionType
	}
	if version != SupportedVersion {
		return nil, &VersionError{Found: version, Expected: SupportedVersion}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest schema: %w", err)
	}
	return &m, nil
}

// PathFor returns the descriptor location inside a distribution root.
func PathFor(distDir string) string {
	return filepath.Join(distDir, "python", FileName)
}
