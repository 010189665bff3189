package embed

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/frederic-klein/pyembed/internal/dist"
	"github.com/frederic-klein/pyembed/internal/distribution"
	"github.com/frederic-klein/pyembed/internal/policy"
	"github.com/frederic-klein/pyembed/internal/resources"
)

// Options configures a Builder.
type Options struct {
	// Name of the binary being built.
	Name string
	// LinkMode overrides the distribution's libpython link mode when set.
	LinkMode string
	// LicensesFilename receives the licensing report. Empty disables it.
	LicensesFilename string
	// TclFilesPath installs tcl/tk support files under this relative
	// directory. Empty leaves them out.
	TclFilesPath string
	LoadMode     LoadMode
	// Config replaces the interpreter configuration derived from the
	// distribution.
	Config *InterpreterConfig
	Logger *zap.Logger
}

// DefaultOptions embeds packed resources and writes COPYING.txt.
func DefaultOptions() Options {
	return Options{
		Name:             "python",
		LicensesFilename: "COPYING.txt",
		LoadMode:         LoadEmbedded,
	}
}

// Builder gathers resources from a distribution and assembles an
// EmbeddedContext.
type Builder struct {
	dist      *distribution.Distribution
	policy    *policy.Policy
	opts      Options
	linkMode  distribution.LinkMode
	config    InterpreterConfig
	collector *resources.Collector
	logger    *zap.Logger

	// extensions are the packaged extension variants, for licensing.
	extensions map[string]distribution.ExtensionModule
}

// NewBuilder prepares a builder for d governed by p.
func NewBuilder(d *distribution.Distribution, p *policy.Policy, opts Options) (*Builder, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LoadMode.Kind == "" {
		opts.LoadMode = LoadEmbedded
	}

	linkMode := d.LinkMode
	if opts.LinkMode != "" {
		var err error
		if linkMode, err = distribution.ParseLinkMode(opts.LinkMode); err != nil {
			return nil, err
		}
	}
	if linkMode == distribution.LinkDynamic && d.LibpythonSharedLibrary == "" {
		return nil, fmt.Errorf("distribution %s has no shared libpython to link dynamically", d.TargetTriple)
	}

	allowed := []resources.AbstractLocation{p.ResourcesLocation.Abstract()}
	if p.ResourcesLocationFallback != nil {
		if fb := p.ResourcesLocationFallback.Abstract(); !slices.Contains(allowed, fb) {
			allowed = append(allowed, fb)
		}
	}

	var extLocations []resources.AbstractLocation
	if d.SupportsInMemorySharedLibraryLoading() && p.AllowInMemorySharedLibraryLoading {
		extLocations = append(extLocations, resources.AbstractInMemory)
	}
	if d.IsExtensionModuleFileLoadable() {
		extLocations = append(extLocations, resources.AbstractRelativePath)
	}

	config := NewInterpreterConfig(d)
	if opts.Config != nil {
		config = *opts.Config
	}

	return &Builder{
		dist:       d,
		policy:     p,
		opts:       opts,
		linkMode:   linkMode,
		config:     config,
		collector:  resources.NewCollector(allowed, extLocations, linkMode == distribution.LinkStatic, p.AllowFiles),
		logger:     logger,
		extensions: make(map[string]distribution.ExtensionModule),
	}, nil
}

// Collector exposes the underlying registry for additional resources.
func (b *Builder) Collector() *resources.Collector { return b.collector }

// LinkMode is the effective libpython link mode.
func (b *Builder) LinkMode() distribution.LinkMode { return b.linkMode }

// place tries the policy's primary location, then its fallback. It
// returns the location that accepted the resource.
func (b *Builder) place(add func(resources.ConcreteLocation) error) (resources.ConcreteLocation, error) {
	loc := b.policy.ResourcesLocation
	err := add(loc)
	var locErr *resources.LocationError
	if err != nil && errors.As(err, &locErr) && b.policy.ResourcesLocationFallback != nil {
		loc = *b.policy.ResourcesLocationFallback
		err = add(loc)
	}
	return loc, err
}

func (b *Builder) skipped(name string) bool {
	if !b.policy.IncludeTest && b.dist.IsStdlibTestPackage(name) {
		return true
	}
	return b.policy.Excludes(name)
}

// AddDistributionResources adds the distribution's standard library and
// extension modules according to the policy.
func (b *Builder) AddDistributionResources() error {
	if err := b.addModules(); err != nil {
		return err
	}
	if b.policy.IncludeDistributionResources {
		if err := b.addPackageResources(); err != nil {
			return err
		}
	}
	if err := b.addExtensions(); err != nil {
		return err
	}
	if b.policy.IncludeFileResources {
		if err := b.addIncludeFiles(); err != nil {
			return err
		}
	}
	if b.dist.PythonImplementation == "cpython" {
		b.collector.AddFrozenModule("_frozen_importlib")
		b.collector.AddFrozenModule("_frozen_importlib_external")
	}
	return nil
}

func (b *Builder) addModules() error {
	d := b.dist
	for _, name := range slices.Sorted(maps.Keys(d.PyModules)) {
		if b.skipped(name) {
			continue
		}
		file := d.PyModules[name]
		source := dist.PathData(file)
		isPackage := d.IsPackageName(name)

		if b.policy.IncludeDistributionSources {
			_, err := b.place(func(loc resources.ConcreteLocation) error {
				return b.collector.AddModuleSource(resources.ModuleSource{
					Name:      name,
					Source:    source,
					IsPackage: isPackage,
					IsStdlib:  true,
					IsTest:    d.IsStdlibTestPackage(name),
				}, loc)
			})
			if err != nil {
				return fmt.Errorf("adding source for %s: %w", name, err)
			}
		}

		if b.policy.IsNoBytecodeModule(name) {
			continue
		}
		for _, level := range b.policy.BytecodeLevels() {
			_, err := b.place(func(loc resources.ConcreteLocation) error {
				return b.collector.AddModuleBytecodeRequest(resources.ModuleBytecodeRequest{
					Name:          name,
					Source:        source,
					OptimizeLevel: level,
					IsPackage:     isPackage,
					CacheTag:      d.CacheTag,
				}, loc)
			})
			if err != nil {
				return fmt.Errorf("adding bytecode for %s: %w", name, err)
			}
		}
	}
	return nil
}

func (b *Builder) addPackageResources() error {
	d := b.dist
	for _, pkg := range slices.Sorted(maps.Keys(d.Resources)) {
		if b.skipped(pkg) {
			continue
		}
		for _, rel := range slices.Sorted(maps.Keys(d.Resources[pkg])) {
			_, err := b.place(func(loc resources.ConcreteLocation) error {
				return b.collector.AddPackageResource(resources.PackageResource{
					LeafPackage:  pkg,
					RelativeName: rel,
					Data:         dist.PathData(d.Resources[pkg][rel]),
					IsStdlib:     true,
					IsTest:       d.IsStdlibTestPackage(pkg),
				}, loc)
			})
			if err != nil {
				return fmt.Errorf("adding resource %s:%s: %w", pkg, rel, err)
			}
		}
	}
	return nil
}

func (b *Builder) chooseVariant(name string, variants []distribution.ExtensionModule) distribution.ExtensionModule {
	if want, ok := b.policy.PreferredExtensionModuleVariant(name); ok {
		for _, em := range variants {
			if em.Variant == want {
				return em
			}
		}
	}
	return variants[0]
}

func (b *Builder) addExtensions() error {
	d := b.dist
	for _, name := range slices.Sorted(maps.Keys(d.ExtensionModules)) {
		variants := d.ExtensionModules[name]
		if len(variants) == 0 {
			continue
		}
		if b.policy.IsBrokenExtension(d.TargetTriple, name) {
			b.logger.Warn("skipping extension module known to be broken on target",
				zap.String("module", name), zap.String("target", d.TargetTriple))
			continue
		}
		em := b.chooseVariant(name, variants)
		if !em.Required && b.skipped(name) {
			continue
		}
		if err := b.addExtension(em); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) addExtension(em distribution.ExtensionModule) error {
	switch {
	case em.BuiltinDefault:
		return b.collector.AddBuiltinExtensionModule(em)

	case b.linkMode == distribution.LinkStatic && (len(em.ObjectFiles) > 0 || em.StaticLibrary != nil):
		if err := b.collector.AddBuiltinExtensionModule(em); err != nil {
			return err
		}
		b.extensions[em.Name] = em
		return nil

	case em.SharedLibrary != nil:
		loc, err := b.place(func(loc resources.ConcreteLocation) error {
			return b.collector.AddExtensionModule(em, loc)
		})
		var locErr *resources.LocationError
		if errors.As(err, &locErr) && !em.Required {
			b.logger.Warn("skipping extension module with no allowed location",
				zap.String("module", em.Name), zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}
		for _, link := range em.Links {
			if link.DynamicLibrary == nil {
				continue
			}
			err := b.collector.AddSharedLibrary(resources.SharedLibrary{
				Name:     link.Name,
				Filename: link.DynamicFilename,
				Data:     link.DynamicLibrary,
			}, loc)
			if err != nil {
				return fmt.Errorf("adding shared library %s for %s: %w", link.Name, em.Name, err)
			}
		}
		b.extensions[em.Name] = em
		return nil

	case em.Required:
		return fmt.Errorf("required extension module %s cannot be packaged for %s link mode", em.Name, b.linkMode)

	default:
		b.logger.Warn("skipping extension module with nothing to package",
			zap.String("module", em.Name))
		return nil
	}
}

func (b *Builder) addIncludeFiles() error {
	for _, rel := range b.dist.IncludeFiles() {
		p := path.Join("include", rel)
		_, err := b.place(func(loc resources.ConcreteLocation) error {
			return b.collector.AddFile(resources.File{Path: p, Data: dist.PathData(b.dist.Includes[rel])}, loc)
		})
		if err != nil {
			return fmt.Errorf("adding include file %s: %w", rel, err)
		}
	}
	return nil
}

// EmbeddedContext compiles the collected resources and resolves everything
// else the linker needs. compiler may be nil when no bytecode is requested.
func (b *Builder) EmbeddedContext(compiler resources.BytecodeCompiler) (*EmbeddedContext, error) {
	d := b.dist

	users, err := b.collector.FindDunderFile()
	if err != nil {
		return nil, fmt.Errorf("auditing __file__ usage: %w", err)
	}
	for _, name := range users {
		b.logger.Warn("module references __file__ and may misbehave when loaded from memory",
			zap.String("module", name))
	}

	compiled, err := b.collector.Compile(compiler)
	if err != nil {
		return nil, fmt.Errorf("compiling resources: %w", err)
	}

	extra := NewFileManifest()
	for _, f := range compiled.ExtraFiles {
		if err := extra.AddFile(f.Path, FileEntry{Data: f.Data, Executable: f.Executable}); err != nil {
			return nil, err
		}
	}

	ctx := &EmbeddedContext{
		Name:         b.opts.Name,
		TargetTriple: d.TargetTriple,
		Config:       b.config,
		ExtraFiles:   extra,
		FileUsers:    users,
		Resources:    len(compiled.Resources),
	}
	ctx.Config.PackedResources = slices.Clone(b.config.PackedResources)

	switch b.opts.LoadMode.Kind {
	case "none":
	case "embedded":
		if ctx.PackedResources, err = compiled.PackedBytes(); err != nil {
			return nil, fmt.Errorf("serializing packed resources: %w", err)
		}
		ctx.PackedResourcesFilename = b.opts.LoadMode.Path
		ctx.Config.PackedResources = append(ctx.Config.PackedResources, PackedResourcesSource{
			Kind: "memory-include-bytes",
			Path: b.opts.LoadMode.Path,
		})
	case "binary-relative-memory-mapped":
		packed, err := compiled.PackedBytes()
		if err != nil {
			return nil, fmt.Errorf("serializing packed resources: %w", err)
		}
		if err := extra.AddFile(b.opts.LoadMode.Path, FileEntry{Data: dist.MemoryData(packed)}); err != nil {
			return nil, err
		}
		ctx.Config.PackedResources = append(ctx.Config.PackedResources, PackedResourcesSource{
			Kind: "memory-mapped-path",
			Path: "$ORIGIN/" + b.opts.LoadMode.Path,
		})
	default:
		return nil, fmt.Errorf("unknown packed resources load mode %s", b.opts.LoadMode)
	}

	builtins := b.collector.NewBuiltinExtensionModules()
	if ctx.LinkSettings, err = resolveLinkSettings(d, b.linkMode, builtins); err != nil {
		return nil, fmt.Errorf("resolving link settings: %w", err)
	}

	if b.linkMode == distribution.LinkDynamic {
		if err := b.addLibpython(extra); err != nil {
			return nil, err
		}
	}

	if b.opts.TclFilesPath != "" {
		files, err := d.TclFiles()
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if err := extra.AddFile(path.Join(b.opts.TclFilesPath, f.RelPath), FileEntry{Data: f.Data}); err != nil {
				return nil, err
			}
		}
		if len(files) > 0 {
			ctx.Config.TclLibrary = path.Join("$ORIGIN", b.opts.TclFilesPath)
		}
	}

	switch d.PythonImplementation {
	case "cpython", "pypy":
		ctx.PythonImplementation = d.PythonImplementation
	default:
		return nil, fmt.Errorf("unsupported Python implementation: %s", d.PythonImplementation)
	}
	ctx.PythonVersion = d.Version
	ctx.BuildFlags = d.BuildFlags()

	ctx.Licensing = b.licensing()
	if b.opts.LicensesFilename != "" {
		entry := FileEntry{Data: dist.MemoryData(ctx.Licensing.Text())}
		if err := extra.AddFile(b.opts.LicensesFilename, entry); err != nil {
			return nil, err
		}
	}
	for _, flavor := range ctx.Licensing.Unlicensed() {
		b.logger.Warn("component has no license information", zap.String("component", flavor))
	}

	return ctx, nil
}

func (b *Builder) addLibpython(extra *FileManifest) error {
	lib := b.dist.LibpythonSharedLibrary
	if err := extra.AddFile(dist.BaseName(lib), FileEntry{Data: dist.PathData(lib), Executable: true}); err != nil {
		return err
	}
	stable := filepath.Join(filepath.Dir(lib), "python3.dll")
	if _, err := os.Stat(stable); err == nil {
		if err := extra.AddFile("python3.dll", FileEntry{Data: dist.PathData(stable), Executable: true}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) licensing() *Licensing {
	l := newLicensing()
	core, ok := b.dist.CoreLicense()
	if !ok {
		core = dist.LicensedComponent{
			Flavor: dist.ComponentFlavor{Kind: dist.FlavorPythonDistribution, Name: b.dist.PythonImplementation},
		}
	}
	l.Add(core)
	for _, name := range slices.Sorted(maps.Keys(b.extensions)) {
		l.Add(b.extensions[name].License)
	}
	return l
}
