package distribution

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/frederic-klein/pyembed/internal/dist"
)

// IsExtensionModuleFileLoadable reports whether extension modules can be
// loaded from shared library files on the target.
func (d *Distribution) IsExtensionModuleFileLoadable() bool {
	return slices.Contains(d.ExtensionModuleLoading, "shared-library")
}

// SupportsInMemorySharedLibraryLoading reports whether extension shared
// libraries can be loaded from memory. Only Windows loaders resolve
// dllexport symbols without a backing file.
func (d *Distribution) SupportsInMemorySharedLibraryLoading() bool {
	return strings.Contains(d.TargetTriple, "pc-windows") &&
		d.SymbolVisibility == "dllexport" &&
		d.IsExtensionModuleFileLoadable()
}

// PythonMajorMinorVersion returns e.g. "3.12" for "3.12.3".
func (d *Distribution) PythonMajorMinorVersion() string {
	return majorMinor(d.Version)
}

func majorMinor(version string) string {
	v := version
	if !strings.Contains(v, ".") {
		v += ".0"
	}
	parts := strings.Split(v, ".")
	return strings.Join(parts[:2], ".")
}

// ImplementationShort returns the two-letter implementation code.
func (d *Distribution) ImplementationShort() (string, error) {
	switch d.PythonImplementation {
	case "cpython":
		return "cp", nil
	case "python":
		return "py", nil
	case "pypy":
		return "pp", nil
	case "ironpython":
		return "ip", nil
	case "jython":
		return "jy", nil
	default:
		return "", fmt.Errorf("unsupported Python implementation: %s", d.PythonImplementation)
	}
}

// ABITag returns the ABI tag and whether one is defined.
func (d *Distribution) ABITag() (string, bool) {
	return d.PythonABITag, d.PythonABITag != ""
}

// PlatformCompatibilityTag returns the wheel platform tag for extension
// modules, or "none" when extensions cannot be loaded from files.
func (d *Distribution) PlatformCompatibilityTag() (string, error) {
	if !d.IsExtensionModuleFileLoadable() {
		return "none", nil
	}
	switch d.PythonPlatformTag {
	case "linux-aarch64":
		return "manylinux2014_aarch64", nil
	case "linux-x86_64":
		return "manylinux2014_x86_64", nil
	case "linux-i686":
		return "manylinux2014_i686", nil
	case "macosx-10.9-x86_64":
		return "macosx_10_9_x86_64", nil
	case "macosx-11.0-arm64":
		return "macosx_11_0_arm64", nil
	case "win-amd64":
		return "win_amd64", nil
	case "win32":
		return "win32", nil
	default:
		return "", fmt.Errorf("unsupported Python platform: %s", d.PythonPlatformTag)
	}
}

var compatibleHosts = map[string][]string{
	"aarch64-unknown-linux-musl": {"aarch64-unknown-linux-gnu"},
	"x86_64-unknown-linux-musl":  {"x86_64-unknown-linux-gnu"},
	"i686-pc-windows-gnu":        {"i686-pc-windows-msvc", "x86_64-pc-windows-gnu", "x86_64-pc-windows-msvc"},
	"i686-pc-windows-msvc":       {"i686-pc-windows-gnu", "x86_64-pc-windows-gnu", "x86_64-pc-windows-msvc"},
	"x86_64-pc-windows-gnu":      {"x86_64-pc-windows-msvc"},
	"x86_64-pc-windows-msvc":     {"x86_64-pc-windows-gnu"},
}

// CompatibleHostTriples lists host triples able to run this distribution's
// interpreter, starting with the target triple itself.
func CompatibleHostTriples(target string) []string {
	return append([]string{target}, compatibleHosts[target]...)
}

// CompatibleHostTriples lists host triples able to run the interpreter.
func (d *Distribution) CompatibleHostTriples() []string {
	return CompatibleHostTriples(d.TargetTriple)
}

// IsStdlibTestPackage reports whether name is, or lives inside, a stdlib
// test package.
func (d *Distribution) IsStdlibTestPackage(name string) bool {
	for _, pkg := range d.StdlibTestPackages {
		if name == pkg || strings.HasPrefix(name, pkg+".") {
			return true
		}
	}
	return false
}

// BuildFlags lists the debug-related build flags enabled in config vars.
func (d *Distribution) BuildFlags() []string {
	var flags []string
	for _, name := range []string{"Py_DEBUG", "Py_REF_DEBUG", "Py_TRACE_REFS", "COUNT_ALLOCS"} {
		if d.ConfigVars[name] == "1" {
			flags = append(flags, name)
		}
	}
	return flags
}

// CoreLicense returns the licensing of the core distribution, if known.
func (d *Distribution) CoreLicense() (dist.LicensedComponent, bool) {
	if d.coreLicense == nil {
		return dist.LicensedComponent{}, false
	}
	return *d.coreLicense, true
}

// IncludeFiles returns the include paths in sorted order.
func (d *Distribution) IncludeFiles() []string {
	return slices.Sorted(maps.Keys(d.Includes))
}

// TclFile is a support file for the tkinter module.
type TclFile struct {
	// RelPath is relative to the tcl library root, slash separated.
	RelPath string
	Data    dist.FileData
}

// TclFiles enumerates the tcl/tk support files, or nil when the
// distribution ships none.
func (d *Distribution) TclFiles() ([]TclFile, error) {
	if d.TclLibraryPath == "" {
		return nil, nil
	}
	var out []TclFile
	for _, subdir := range d.TclLibraryPaths {
		root := filepath.Join(d.TclLibraryPath, filepath.FromSlash(subdir))
		files, err := WalkTreeFiles(root)
		if err != nil {
			return nil, fmt.Errorf("walking tcl directory %s: %w", subdir, err)
		}
		for _, rel := range files {
			out = append(out, TclFile{
				RelPath: subdir + "/" + rel,
				Data:    dist.PathData(filepath.Join(root, filepath.FromSlash(rel))),
			})
		}
	}
	return out, nil
}
