package distribution

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/frederic-klein/pyembed/internal/dist"
	"github.com/frederic-klein/pyembed/internal/manifest"
)

// LayoutError reports distribution content that is missing or not expected.
type LayoutError struct {
	Path   string
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("invalid distribution layout at %s: %s", e.Path, e.Reason)
}

// LinkMode is how libpython is linked.
type LinkMode int

const (
	LinkStatic LinkMode = iota
	LinkDynamic
)

func (m LinkMode) String() string {
	if m == LinkDynamic {
		return "dynamic"
	}
	return "static"
}

// ParseLinkMode accepts the manifest spellings of a link mode.
func ParseLinkMode(s string) (LinkMode, error) {
	switch s {
	case "static":
		return LinkStatic, nil
	case "shared", "dynamic":
		return LinkDynamic, nil
	default:
		return LinkStatic, fmt.Errorf("unknown libpython link mode %q", s)
	}
}

// ExtensionModule is one build variant of a compiled extension module.
type ExtensionModule struct {
	Name                string
	InitFn              string
	ExtensionFileSuffix string
	// SharedLibrary is nil when the variant can only be linked statically.
	SharedLibrary dist.FileData
	ObjectFiles   []dist.FileData
	StaticLibrary dist.FileData
	Links         []dist.LibraryDependency
	IsStdlib      bool
	// BuiltinDefault is set for extensions compiled into libpython.
	BuiltinDefault bool
	Required       bool
	Variant        string
	License        dist.LicensedComponent
}

// Distribution is a resolved, extracted interpreter distribution.
type Distribution struct {
	BaseDir string

	TargetTriple         string
	PythonImplementation string
	PythonTag            string
	PythonABITag         string
	PythonPlatformTag    string
	Version              string

	PythonExe  string
	StdlibPath string

	StdlibTestPackages     []string
	SymbolVisibility       string
	ExtensionModuleLoading []string
	LinkMode               LinkMode
	// LibpythonSharedLibrary is set only for dynamically linked distributions.
	LibpythonSharedLibrary string
	AppleSDK               *manifest.AppleSDKInfo

	Licenses    []string
	LicensePath string
	coreLicense *dist.LicensedComponent

	TclLibraryPath  string
	TclLibraryPaths []string

	// ObjsCore maps relative object paths to filesystem paths.
	ObjsCore  map[string]string
	LinksCore []dist.LibraryDependency

	ExtensionModules map[string][]ExtensionModule

	// Includes maps paths relative to the include root to filesystem paths.
	Includes map[string]string
	// Libraries maps library names (no lib prefix or suffix) to static archives.
	Libraries map[string]string
	// PyModules maps stdlib module names to their source files.
	PyModules map[string]string
	// Resources maps package names to resource names to files.
	Resources map[string]map[string]string

	InittabObject string
	InittabSource string
	InittabCflags []string

	CacheTag       string
	ModuleSuffixes manifest.ModuleSuffixes
	CRTFeatures    []string
	ConfigVars     map[string]string
}

var (
	rootEntries = map[string]bool{
		"python": true,
	}
	pythonEntries = map[string]bool{
		"build":       true,
		"install":     true,
		"lib":         true,
		"licenses":    true,
		"LICENSE.rst": true,
		"PYTHON.json": true,
	}
	ignorableEntries = map[string]bool{
		".DS_Store": true,
	}
)

// FromDirectory resolves an extracted distribution rooted at distDir.
func FromDirectory(distDir string) (*Distribution, error) {
	if err := checkEntries(distDir, rootEntries); err != nil {
		return nil, err
	}
	pythonPath := filepath.Join(distDir, "python")
	if err := checkEntries(pythonPath, pythonEntries); err != nil {
		return nil, err
	}

	pi, err := manifest.Parse(filepath.Join(pythonPath, manifest.FileName))
	if err != nil {
		return nil, err
	}

	r := &resolver{pythonPath: pythonPath}

	d := &Distribution{
		BaseDir:                distDir,
		TargetTriple:           pi.TargetTriple,
		PythonImplementation:   pi.PythonImplementationName,
		PythonTag:              pi.PythonTag,
		PythonPlatformTag:      pi.PythonPlatformTag,
		Version:                pi.PythonVersion,
		StdlibTestPackages:     pi.PythonStdlibTestPackages,
		SymbolVisibility:       pi.PythonSymbolVisibility,
		ExtensionModuleLoading: pi.PythonExtensionModuleLoading,
		Licenses:               pi.Licenses,
		TclLibraryPaths:        pi.TclLibraryPaths,
		ObjsCore:               make(map[string]string),
		ExtensionModules:       make(map[string][]ExtensionModule),
		Includes:               make(map[string]string),
		Libraries:              make(map[string]string),
		InittabCflags:          pi.BuildInfo.InittabCflags,
		CacheTag:               pi.PythonImplementationCacheTag,
		CRTFeatures:            pi.CRTFeatures,
		ConfigVars:             pi.PythonConfigVars,
	}
	if pi.PythonABITag != nil {
		d.PythonABITag = *pi.PythonABITag
	}
	if sdk, ok := pi.AppleSDK(); ok {
		d.AppleSDK = &sdk
	}

	if d.LinkMode, err = ParseLinkMode(pi.LibpythonLinkMode); err != nil {
		return nil, err
	}

	if d.ModuleSuffixes, err = pi.ModuleSuffixes(); err != nil {
		return nil, err
	}

	if pi.LicensePath != nil {
		if d.LicensePath, err = r.existing(*pi.LicensePath); err != nil {
			return nil, err
		}
		text, err := os.ReadFile(d.LicensePath)
		if err != nil {
			return nil, fmt.Errorf("reading Python license %s: %w", d.LicensePath, err)
		}
		core := dist.NewSPDXComponent(
			dist.ComponentFlavor{Kind: dist.FlavorPythonDistribution, Name: pi.PythonImplementationName},
			pi.Licenses,
		)
		core.AddLicenseText(string(text))
		d.coreLicense = &core
	}

	for _, obj := range pi.BuildInfo.Core.Objs {
		full, err := r.existing(obj)
		if err != nil {
			return nil, err
		}
		d.ObjsCore[obj] = full
	}

	for _, entry := range pi.BuildInfo.Core.Links {
		dep, err := r.libraryDependency(entry)
		if err != nil {
			return nil, err
		}
		d.registerLibrary(dep)
		d.LinksCore = append(d.LinksCore, dep)
	}

	for _, name := range slices.Sorted(maps.Keys(pi.BuildInfo.Extensions)) {
		variants, err := r.extensionVariants(name, pi.BuildInfo.Extensions[name], d.coreLicense)
		if err != nil {
			return nil, err
		}
		for _, em := range variants {
			for _, dep := range em.Links {
				d.registerLibrary(dep)
			}
		}
		d.ExtensionModules[name] = variants
	}

	includeRel, ok := pi.PythonPaths["include"]
	if !ok {
		return nil, &LayoutError{Path: pythonPath, Reason: "include path not defined in distribution"}
	}
	includePath, err := r.existing(includeRel)
	if err != nil {
		return nil, err
	}
	includeFiles, err := WalkTreeFiles(includePath)
	if err != nil {
		return nil, fmt.Errorf("walking include directory: %w", err)
	}
	for _, rel := range includeFiles {
		d.Includes[rel] = filepath.Join(includePath, filepath.FromSlash(rel))
	}

	stdlibRel, ok := pi.PythonPaths["stdlib"]
	if !ok {
		return nil, &LayoutError{Path: pythonPath, Reason: "stdlib path not defined in distribution"}
	}
	if d.StdlibPath, err = r.existing(stdlibRel); err != nil {
		return nil, err
	}
	if d.PyModules, d.Resources, err = scanStdlib(d.StdlibPath, d.ModuleSuffixes); err != nil {
		return nil, fmt.Errorf("scanning standard library: %w", err)
	}

	if d.InittabObject, err = r.existing(pi.BuildInfo.InittabObject); err != nil {
		return nil, err
	}
	if d.InittabSource, err = r.existing(pi.BuildInfo.InittabSource); err != nil {
		return nil, err
	}

	if d.PythonExe, err = r.existing(pi.PythonExe); err != nil {
		return nil, err
	}

	if d.LinkMode == LinkDynamic && pi.BuildInfo.Core.SharedLib != nil {
		if d.LibpythonSharedLibrary, err = r.existing(*pi.BuildInfo.Core.SharedLib); err != nil {
			return nil, err
		}
	}

	if pi.TclLibraryPath != nil {
		if d.TclLibraryPath, err = r.existing(*pi.TclLibraryPath); err != nil {
			return nil, err
		}
		for _, subdir := range pi.TclLibraryPaths {
			if _, err := r.existing(path.Join(*pi.TclLibraryPath, subdir)); err != nil {
				return nil, err
			}
		}
	}

	return d, nil
}

func (d *Distribution) registerLibrary(dep dist.LibraryDependency) {
	if dep.StaticLibrary == nil {
		return
	}
	if p, ok := dep.StaticLibrary.BackingPath(); ok {
		d.Libraries[dep.Name] = p
	}
}

// checkEntries fails on any directory entry not in allowed.
func checkEntries(dir string, allowed map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &LayoutError{Path: dir, Reason: "directory does not exist"}
		}
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if ignorableEntries[name] || allowed[name] {
			continue
		}
		return &LayoutError{Path: dir, Reason: fmt.Sprintf("unexpected entry %q", name)}
	}
	return nil
}

// resolver joins manifest-relative paths and refuses dangling ones.
type resolver struct {
	pythonPath string
}

func (r *resolver) existing(rel string) (string, error) {
	full := filepath.Join(r.pythonPath, filepath.FromSlash(rel))
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &LayoutError{Path: full, Reason: "referenced by PYTHON.json but missing"}
		}
		return "", fmt.Errorf("checking %s: %w", full, err)
	}
	return full, nil
}

func (r *resolver) libraryDependency(entry manifest.LinkEntry) (dist.LibraryDependency, error) {
	if entry.PathStatic != nil {
		if _, err := r.existing(*entry.PathStatic); err != nil {
			return dist.LibraryDependency{}, err
		}
	}
	if entry.PathDynamic != nil {
		if _, err := r.existing(*entry.PathDynamic); err != nil {
			return dist.LibraryDependency{}, err
		}
	}
	return entry.LibraryDependency(r.pythonPath), nil
}

func (r *resolver) extensionVariants(name string, infos []manifest.ExtensionInfo, core *dist.LicensedComponent) ([]ExtensionModule, error) {
	var out []ExtensionModule
	for _, info := range infos {
		em := ExtensionModule{
			Name:           name,
			InitFn:         info.InitFn,
			IsStdlib:       true,
			BuiltinDefault: info.InCore,
			Required:       info.Required,
			Variant:        info.Variant,
		}

		if info.SharedLib != nil {
			full, err := r.existing(*info.SharedLib)
			if err != nil {
				return nil, err
			}
			em.SharedLibrary = dist.PathData(full)
			base := dist.BaseName(*info.SharedLib)
			if idx := strings.LastIndex(base, "."); idx != -1 {
				em.ExtensionFileSuffix = base[idx:]
			}
		}
		if info.StaticLib != nil {
			full, err := r.existing(*info.StaticLib)
			if err != nil {
				return nil, err
			}
			em.StaticLibrary = dist.PathData(full)
		}
		for _, obj := range info.Objs {
			full, err := r.existing(obj)
			if err != nil {
				return nil, err
			}
			em.ObjectFiles = append(em.ObjectFiles, dist.PathData(full))
		}
		for _, link := range info.Links {
			dep, err := r.libraryDependency(link)
			if err != nil {
				return nil, err
			}
			em.Links = append(em.Links, dep)
		}

		flavor := dist.ComponentFlavor{Kind: dist.FlavorStdlibExtensionModule, Name: name}
		switch {
		case info.LicensePublicDomain != nil && *info.LicensePublicDomain:
			em.License = dist.LicensedComponent{Flavor: flavor, Kind: dist.LicensePublicDomain}
		case len(info.Licenses) > 0:
			em.License = dist.NewSPDXComponent(flavor, info.Licenses)
		case core != nil:
			em.License = dist.NewSPDXComponent(flavor, core.SPDX)
		default:
			em.License = dist.LicensedComponent{Flavor: flavor, Kind: dist.LicenseNone}
		}
		for _, p := range info.LicensePaths {
			full, err := r.existing(p)
			if err != nil {
				return nil, err
			}
			text, err := os.ReadFile(full)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", full, err)
			}
			em.License.AddLicenseText(string(text))
		}

		out = append(out, em)
	}
	return out, nil
}

// WalkTreeFiles lists the files under root as slash-separated relative
// paths. Directory entries are visited in name order so repeated walks
// over the same tree yield the same sequence.
func WalkTreeFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
