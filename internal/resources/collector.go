package resources

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/frederic-klein/pyembed/internal/dist"
	"github.com/frederic-klein/pyembed/internal/distribution"
)

var (
	// ErrBuiltinNotAllowed is returned when a new builtin extension module
	// is added to a collector that cannot link one.
	ErrBuiltinNotAllowed = errors.New("new builtin extension modules are not allowed")
	// ErrFilesNotAllowed is returned when file resources are added to a
	// collector that forbids them.
	ErrFilesNotAllowed = errors.New("file resources are not allowed")
)

// LocationError rejects a resource placed where the collector forbids.
type LocationError struct {
	Resource string
	Location ConcreteLocation
	Allowed  []AbstractLocation
}

func (e *LocationError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, l := range e.Allowed {
		allowed[i] = l.String()
	}
	return fmt.Sprintf("cannot add %s to %s; allowed locations: [%s]",
		e.Resource, e.Location, strings.Join(allowed, ", "))
}

// Collector is the registry of resources to embed. Every addition checks
// its location before touching the registry.
type Collector struct {
	allowedLocations          []AbstractLocation
	allowedExtensionLocations []AbstractLocation
	allowNewBuiltins          bool
	allowFiles                bool

	resources map[string]*PrePackagedResource
	builtins  map[string]distribution.ExtensionModule
}

// NewCollector returns an empty collector.
func NewCollector(allowed, allowedExtensions []AbstractLocation, allowNewBuiltins, allowFiles bool) *Collector {
	return &Collector{
		allowedLocations:          slices.Clone(allowed),
		allowedExtensionLocations: slices.Clone(allowedExtensions),
		allowNewBuiltins:          allowNewBuiltins,
		allowFiles:                allowFiles,
		resources:                 make(map[string]*PrePackagedResource),
		builtins:                  make(map[string]distribution.ExtensionModule),
	}
}

// AllowedLocations returns the locations permitted for general resources.
func (c *Collector) AllowedLocations() []AbstractLocation {
	return slices.Clone(c.allowedLocations)
}

// AllowedExtensionLocations returns the locations permitted for extension
// module shared libraries.
func (c *Collector) AllowedExtensionLocations() []AbstractLocation {
	return slices.Clone(c.allowedExtensionLocations)
}

// AllowNewBuiltins reports whether extensions may be linked into libpython.
func (c *Collector) AllowNewBuiltins() bool { return c.allowNewBuiltins }

// AllowFiles reports whether file resources are accepted.
func (c *Collector) AllowFiles() bool { return c.allowFiles }

func (c *Collector) checkLocation(name string, loc ConcreteLocation) error {
	if !slices.Contains(c.allowedLocations, loc.Abstract()) {
		return &LocationError{Resource: name, Location: loc, Allowed: c.AllowedLocations()}
	}
	return nil
}

func (c *Collector) checkExtensionLocation(name string, loc ConcreteLocation) error {
	if !slices.Contains(c.allowedExtensionLocations, loc.Abstract()) {
		return &LocationError{Resource: name, Location: loc, Allowed: c.AllowedExtensionLocations()}
	}
	return nil
}

func (c *Collector) entry(name string) *PrePackagedResource {
	r, ok := c.resources[name]
	if !ok {
		r = &PrePackagedResource{Name: name}
		c.resources[name] = r
	}
	return r
}

// Get returns the resource registered under name.
func (c *Collector) Get(name string) (*PrePackagedResource, bool) {
	r, ok := c.resources[name]
	return r, ok
}

// Names returns every registered name in sorted order.
func (c *Collector) Names() []string {
	return slices.Sorted(maps.Keys(c.resources))
}

// Len is the number of registered resources.
func (c *Collector) Len() int { return len(c.resources) }

// AddModuleSource registers Python source for a module.
func (c *Collector) AddModuleSource(m ModuleSource, loc ConcreteLocation) error {
	if err := c.checkLocation(m.Name, loc); err != nil {
		return err
	}
	r := c.entry(m.Name)
	r.IsModule = true
	r.IsPackage = r.IsPackage || m.IsPackage
	r.IsStdlib = r.IsStdlib || m.IsStdlib
	r.IsTest = r.IsTest || m.IsTest
	if loc.IsRelative() {
		r.InMemorySource = nil
		r.RelativePathModuleSource = &RelativeFile{
			Path: join(loc.Prefix(), moduleSourcePath(m.Name, m.IsPackage)),
			Data: m.Source,
		}
	} else {
		r.RelativePathModuleSource = nil
		r.InMemorySource = m.Source
	}
	return nil
}

// AddModuleBytecodeRequest registers source to compile at a given
// optimization level.
func (c *Collector) AddModuleBytecodeRequest(m ModuleBytecodeRequest, loc ConcreteLocation) error {
	return c.addBytecode(m.Name, m.IsPackage, m.CacheTag, m.OptimizeLevel, FromSource{Source: m.Source}, loc)
}

// AddModuleBytecode registers precompiled bytecode.
func (c *Collector) AddModuleBytecode(m ModuleBytecode, loc ConcreteLocation) error {
	return c.addBytecode(m.Name, m.IsPackage, m.CacheTag, m.OptimizeLevel, Provided{Bytecode: m.Bytecode}, loc)
}

func (c *Collector) addBytecode(name string, isPackage bool, cacheTag string, level int, provider BytecodeProvider, loc ConcreteLocation) error {
	if level < 0 || level > 2 {
		return fmt.Errorf("invalid bytecode optimization level %d for %s", level, name)
	}
	if err := c.checkLocation(name, loc); err != nil {
		return err
	}
	if loc.IsRelative() && cacheTag == "" {
		return fmt.Errorf("bytecode for %s needs a cache tag to be placed on the filesystem", name)
	}
	r := c.entry(name)
	r.IsModule = true
	r.IsPackage = r.IsPackage || isPackage
	if loc.IsRelative() {
		r.InMemoryBytecode[level] = nil
		r.RelativePathBytecode[level] = &RelativeBytecode{
			Path:     join(loc.Prefix(), bytecodePath(name, isPackage, cacheTag, level)),
			Provider: provider,
		}
	} else {
		r.RelativePathBytecode[level] = nil
		r.InMemoryBytecode[level] = provider
	}
	return nil
}

// AddPackageResource registers a data file owned by a package.
func (c *Collector) AddPackageResource(res PackageResource, loc ConcreteLocation) error {
	name := res.LeafPackage + ":" + res.RelativeName
	if err := c.checkLocation(name, loc); err != nil {
		return err
	}
	r := c.entry(res.LeafPackage)
	r.IsPackage = true
	r.IsStdlib = r.IsStdlib || res.IsStdlib
	r.IsTest = r.IsTest || res.IsTest
	if loc.IsRelative() {
		delete(r.InMemoryResources, res.RelativeName)
		if r.RelativePathPackageResources == nil {
			r.RelativePathPackageResources = make(map[string]RelativeFile)
		}
		r.RelativePathPackageResources[res.RelativeName] = RelativeFile{
			Path: join(loc.Prefix(), packagePath(res.LeafPackage), res.RelativeName),
			Data: res.Data,
		}
	} else {
		delete(r.RelativePathPackageResources, res.RelativeName)
		if r.InMemoryResources == nil {
			r.InMemoryResources = make(map[string]dist.FileData)
		}
		r.InMemoryResources[res.RelativeName] = res.Data
	}
	return nil
}

// AddExtensionModule registers an extension module backed by a shared
// library.
func (c *Collector) AddExtensionModule(em distribution.ExtensionModule, loc ConcreteLocation) error {
	if err := c.checkExtensionLocation(em.Name, loc); err != nil {
		return err
	}
	if em.SharedLibrary == nil {
		return fmt.Errorf("extension module %s has no shared library", em.Name)
	}
	r := c.entry(em.Name)
	r.IsModule = true
	r.IsExtensionModule = true
	r.IsStdlib = r.IsStdlib || em.IsStdlib
	if loc.IsRelative() {
		r.InMemoryExtensionModuleSharedLibrary = nil
		r.SharedLibraryDependencyNames = nil
		suffix := em.ExtensionFileSuffix
		if suffix == "" {
			suffix = ".so"
		}
		r.RelativePathExtensionModuleSharedLibrary = &RelativeFile{
			Path: join(loc.Prefix(), packagePath(em.Name)+suffix),
			Data: em.SharedLibrary,
		}
	} else {
		r.RelativePathExtensionModuleSharedLibrary = nil
		r.InMemoryExtensionModuleSharedLibrary = em.SharedLibrary
		for _, link := range em.Links {
			if link.DynamicLibrary != nil && !slices.Contains(r.SharedLibraryDependencyNames, link.Name) {
				r.SharedLibraryDependencyNames = append(r.SharedLibraryDependencyNames, link.Name)
			}
		}
	}
	return nil
}

// AddBuiltinExtensionModule registers an extension module compiled into
// libpython. Modules not already built in require new builtins to be
// allowed.
func (c *Collector) AddBuiltinExtensionModule(em distribution.ExtensionModule) error {
	if !em.BuiltinDefault {
		if !c.allowNewBuiltins {
			return fmt.Errorf("adding %s: %w", em.Name, ErrBuiltinNotAllowed)
		}
		if len(em.ObjectFiles) == 0 && em.StaticLibrary == nil {
			return fmt.Errorf("extension module %s has no object files to link", em.Name)
		}
		c.builtins[em.Name] = em
	}
	r := c.entry(em.Name)
	r.IsModule = true
	r.IsExtensionModule = true
	r.IsBuiltinExtensionModule = true
	r.IsStdlib = r.IsStdlib || em.IsStdlib
	return nil
}

// NewBuiltinExtensionModules returns the extensions that must be linked in
// addition to the core, sorted by name.
func (c *Collector) NewBuiltinExtensionModules() []distribution.ExtensionModule {
	out := make([]distribution.ExtensionModule, 0, len(c.builtins))
	for _, name := range slices.Sorted(maps.Keys(c.builtins)) {
		out = append(out, c.builtins[name])
	}
	return out
}

// AddSharedLibrary registers a library that extension modules load.
func (c *Collector) AddSharedLibrary(lib SharedLibrary, loc ConcreteLocation) error {
	if err := c.checkExtensionLocation(lib.Name, loc); err != nil {
		return err
	}
	r := c.entry(lib.Name)
	r.IsSharedLibrary = true
	if loc.IsRelative() {
		filename := lib.Filename
		if filename == "" {
			filename = lib.Name
		}
		r.InMemorySharedLibrary = nil
		r.RelativePathSharedLibrary = &RelativeFile{Path: join(loc.Prefix(), filename), Data: lib.Data}
	} else {
		r.RelativePathSharedLibrary = nil
		r.InMemorySharedLibrary = lib.Data
	}
	return nil
}

// AddFrozenModule marks name as frozen into the interpreter.
func (c *Collector) AddFrozenModule(name string) {
	r := c.entry(name)
	r.IsModule = true
	r.IsFrozenModule = true
}

// AddFile registers an arbitrary file. Files are keyed by path.
func (c *Collector) AddFile(f File, loc ConcreteLocation) error {
	if !c.allowFiles {
		return fmt.Errorf("adding %s: %w", f.Path, ErrFilesNotAllowed)
	}
	if err := c.checkLocation(f.Path, loc); err != nil {
		return err
	}
	r := c.entry(f.Path)
	r.IsFile = true
	r.FileExecutable = f.Executable
	if loc.IsRelative() {
		r.FileDataEmbedded = nil
		r.FileDataRelativePath = &RelativeFile{Path: join(loc.Prefix(), f.Path), Data: f.Data}
	} else {
		r.FileDataRelativePath = nil
		r.FileDataEmbedded = f.Data
	}
	return nil
}

// FindDunderFile returns the sorted names of resources whose in-memory
// source, or source awaiting compilation to in-memory bytecode, mentions
// __file__.
func (c *Collector) FindDunderFile() ([]string, error) {
	var found []string
	for _, name := range c.Names() {
		r := c.resources[name]
		var sources []dist.FileData
		if r.InMemorySource != nil {
			sources = append(sources, r.InMemorySource)
		}
		for _, p := range r.InMemoryBytecode {
			if fs, ok := p.(FromSource); ok {
				sources = append(sources, fs.Source)
			}
		}
		for _, src := range sources {
			data, err := src.Resolve()
			if err != nil {
				return nil, fmt.Errorf("reading source of %s: %w", name, err)
			}
			hit, err := HasDunderFile(data)
			if err != nil {
				return nil, fmt.Errorf("auditing %s: %w", name, err)
			}
			if hit {
				found = append(found, name)
				break
			}
		}
	}
	return found, nil
}

func join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return path.Join(kept...)
}

func packagePath(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

func moduleSourcePath(name string, isPackage bool) string {
	if isPackage {
		return packagePath(name) + "/__init__.py"
	}
	return packagePath(name) + ".py"
}

func bytecodePath(name string, isPackage bool, cacheTag string, level int) string {
	parts := strings.Split(name, ".")
	dir, leaf := parts[:len(parts)-1], parts[len(parts)-1]
	if isPackage {
		dir, leaf = parts, "__init__"
	}
	file := leaf + "." + cacheTag
	if level > 0 {
		file += fmt.Sprintf(".opt-%d", level)
	}
	return path.Join(append(dir, "__pycache__", file+".pyc")...)
}
