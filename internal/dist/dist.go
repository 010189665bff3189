package dist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileData is content that is either still on disk or already in memory.
// The concrete type tells callers whether a read has happened.
type FileData interface {
	// Resolve returns the bytes, reading the backing file if needed.
	Resolve() ([]byte, error)
	// ToMemory returns an in-memory copy of the content.
	ToMemory() (MemoryData, error)
	// BackingPath returns the filesystem path, if any.
	BackingPath() (string, bool)

	isFileData()
}

// PathData is content deferred to a filesystem path.
type PathData string

// MemoryData is content held in memory.
type MemoryData []byte

func (p PathData) Resolve() ([]byte, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", string(p), err)
	}
	return data, nil
}

func (p PathData) ToMemory() (MemoryData, error) {
	data, err := p.Resolve()
	if err != nil {
		return nil, err
	}
	return MemoryData(data), nil
}

func (p PathData) BackingPath() (string, bool) { return string(p), true }

func (PathData) isFileData() {}

func (m MemoryData) Resolve() ([]byte, error) {
	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}

func (m MemoryData) ToMemory() (MemoryData, error) { return m, nil }

func (MemoryData) BackingPath() (string, bool) { return "", false }

func (MemoryData) isFileData() {}

// LibraryDependency describes a library a binary must link against.
// Either form of the library may be absent.
type LibraryDependency struct {
	Name string

	StaticLibrary  FileData
	StaticFilename string

	DynamicLibrary  FileData
	DynamicFilename string

	// Framework marks a macOS system framework.
	Framework bool
	// System marks a library provided by the host system.
	System bool
}

// ToMemory returns a copy with both backing data slots read into memory.
func (l LibraryDependency) ToMemory() (LibraryDependency, error) {
	out := l
	if l.StaticLibrary != nil {
		data, err := l.StaticLibrary.ToMemory()
		if err != nil {
			return LibraryDependency{}, fmt.Errorf("library %s: %w", l.Name, err)
		}
		out.StaticLibrary = data
	}
	if l.DynamicLibrary != nil {
		data, err := l.DynamicLibrary.ToMemory()
		if err != nil {
			return LibraryDependency{}, fmt.Errorf("library %s: %w", l.Name, err)
		}
		out.DynamicLibrary = data
	}
	return out, nil
}

// FlavorKind enumerates the component kinds tracked for licensing.
type FlavorKind int

const (
	FlavorPythonDistribution FlavorKind = iota
	FlavorStdlibModule
	FlavorStdlibExtensionModule
	FlavorExtensionModule
	FlavorPythonModule
	FlavorLibrary
)

// ComponentFlavor names a software component and its kind.
type ComponentFlavor struct {
	Kind FlavorKind
	Name string
}

func (f ComponentFlavor) String() string {
	switch f.Kind {
	case FlavorPythonDistribution:
		return f.Name
	case FlavorStdlibModule:
		return "Python stdlib module " + f.Name
	case FlavorStdlibExtensionModule:
		return "Python stdlib extension " + f.Name
	case FlavorExtensionModule:
		return "Python extension module " + f.Name
	case FlavorPythonModule:
		return "Python module " + f.Name
	case FlavorLibrary:
		return "library " + f.Name
	default:
		return fmt.Sprintf("component(%d) %s", int(f.Kind), f.Name)
	}
}

// LicenseKind describes how a component is licensed.
type LicenseKind int

const (
	LicenseNone LicenseKind = iota
	LicenseSPDX
	LicensePublicDomain
)

// LicensedComponent is a software component with licensing information.
type LicensedComponent struct {
	Flavor ComponentFlavor
	Kind   LicenseKind
	// SPDX holds license identifiers joined with OR semantics.
	SPDX     []string
	Homepage string
	Authors  []string
	// LicenseTexts overrides texts derived from SPDX identifiers.
	LicenseTexts []string
}

// NewSPDXComponent builds a component licensed under any of ids.
func NewSPDXComponent(flavor ComponentFlavor, ids []string) LicensedComponent {
	if len(ids) == 0 {
		return LicensedComponent{Flavor: flavor, Kind: LicenseNone}
	}
	return LicensedComponent{
		Flavor: flavor,
		Kind:   LicenseSPDX,
		SPDX:   append([]string(nil), ids...),
	}
}

// Expression renders the SPDX expression, or "" when not SPDX licensed.
func (c LicensedComponent) Expression() string {
	if c.Kind != LicenseSPDX {
		return ""
	}
	return strings.Join(c.SPDX, " OR ")
}

// AddLicenseText appends an explicit license text.
func (c *LicensedComponent) AddLicenseText(text string) {
	c.LicenseTexts = append(c.LicenseTexts, text)
}

// Summary is a one-line licensing description.
func (c LicensedComponent) Summary() string {
	switch c.Kind {
	case LicenseSPDX:
		return c.Expression()
	case LicensePublicDomain:
		return "public domain"
	default:
		return "no license specified"
	}
}

// BaseName returns the final element of a slash or OS separated path.
func BaseName(p string) string {
	return filepath.Base(filepath.FromSlash(p))
}
