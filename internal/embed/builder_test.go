package embed

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/frederic-klein/pyembed/internal/distribution"
	"github.com/frederic-klein/pyembed/internal/resources"
	"github.com/frederic-klein/pyembed/internal/testutil"
)

type fakeCompiler struct {
	calls int
}

func (f *fakeCompiler) Compile(source []byte, filename string, optimize int, output resources.CompileOutput) ([]byte, error) {
	f.calls++
	return []byte(fmt.Sprintf("code(%s,%d,%d)", filename, optimize, output)), nil
}

func loadDistribution(t *testing.T, opts testutil.Options) *distribution.Distribution {
	t.Helper()
	d, err := distribution.FromDirectory(testutil.WriteDistribution(t, opts))
	require.NoError(t, err)
	return d
}

func TestEmbeddedContext_DenylistedRequiredExtension(t *testing.T) {
	// Arrange: _crypt is required by the distribution but broken on
	// Linux, and the target cannot load extensions from memory.
	d := loadDistribution(t, testutil.Options{
		Extensions: map[string][]testutil.Extension{
			"_crypt": {{Required: true, Objs: []string{"build/ext/_crypt.o"}}},
		},
	})
	require.False(t, d.SupportsInMemorySharedLibraryLoading())
	p := CreatePackagingPolicy(d)

	b, err := NewBuilder(d, p, DefaultOptions())
	require.NoError(t, err)

	// Act
	require.NoError(t, b.AddDistributionResources())
	ctx, err := b.EmbeddedContext(&fakeCompiler{})

	// Assert
	require.NoError(t, err)
	_, ok := b.Collector().Get("_crypt")
	assert.False(t, ok, "_crypt should not be packaged")
	assert.Equal(t, []resources.AbstractLocation{resources.AbstractRelativePath}, b.Collector().AllowedExtensionLocations())
	assert.Equal(t, []string{filepath.Join(d.BaseDir, "python", "build", "core", "main.o")}, ctx.LinkSettings.ObjectFiles)
	assert.Empty(t, ctx.LinkSettings.BuiltinInitFunctions)
}

func TestAddDistributionResources_DefaultPolicy(t *testing.T) {
	// Arrange
	d := loadDistribution(t, testutil.Options{})
	b, err := NewBuilder(d, CreatePackagingPolicy(d), DefaultOptions())
	require.NoError(t, err)

	// Act
	err = b.AddDistributionResources()

	// Assert
	require.NoError(t, err)
	c := b.Collector()
	assert.Equal(t, []string{"_frozen_importlib", "_frozen_importlib_external", "json", "json.decoder", "os"}, c.Names())

	pkg, _ := c.Get("json")
	assert.True(t, pkg.IsPackage)
	assert.NotNil(t, pkg.InMemorySource)
	assert.IsType(t, resources.FromSource{}, pkg.InMemoryBytecode[0])
	assert.Nil(t, pkg.InMemoryBytecode[1])

	frozen, _ := c.Get("_frozen_importlib")
	assert.True(t, frozen.IsFrozenModule)
}

func TestAddDistributionResources_PolicySwitches(t *testing.T) {
	tests := []struct {
		name    string
		arrange func(b *Builder)
		present []string
		absent  []string
	}{
		{
			name: "tests included",
			arrange: func(b *Builder) {
				b.policy.IncludeTest = true
			},
			present: []string{"test", "test.test_os"},
		},
		{
			name: "exclude patterns",
			arrange: func(b *Builder) {
				require.NoError(t, b.policy.SetExcludePatterns([]string{"json", "json/**"}))
			},
			present: []string{"os"},
			absent:  []string{"json", "json.decoder"},
		},
		{
			name: "package resources",
			arrange: func(b *Builder) {
				b.policy.IncludeDistributionResources = true
			},
			present: []string{"lib2to3"},
		},
		{
			name: "sources left out",
			arrange: func(b *Builder) {
				b.policy.IncludeDistributionSources = false
			},
			present: []string{"os"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			d := loadDistribution(t, testutil.Options{})
			b, err := NewBuilder(d, CreatePackagingPolicy(d), DefaultOptions())
			require.NoError(t, err)
			tt.arrange(b)

			// Act
			err = b.AddDistributionResources()

			// Assert
			require.NoError(t, err)
			for _, name := range tt.present {
				_, ok := b.Collector().Get(name)
				assert.True(t, ok, "expected %s", name)
			}
			for _, name := range tt.absent {
				_, ok := b.Collector().Get(name)
				assert.False(t, ok, "unexpected %s", name)
			}
		})
	}
}

func TestAddDistributionResources_SourcesLeftOutKeepsBytecode(t *testing.T) {
	d := loadDistribution(t, testutil.Options{})
	b, err := NewBuilder(d, CreatePackagingPolicy(d), DefaultOptions())
	require.NoError(t, err)
	b.policy.IncludeDistributionSources = false

	require.NoError(t, b.AddDistributionResources())

	mod, _ := b.Collector().Get("os")
	assert.Nil(t, mod.InMemorySource)
	assert.NotNil(t, mod.InMemoryBytecode[0])
}

func TestEmbeddedContext_StaticNewBuiltin(t *testing.T) {
	// Arrange
	d := loadDistribution(t, testutil.Options{
		Licenses: []string{"Python-2.0"},
		Extensions: map[string][]testutil.Extension{
			"_json": {{InCore: true}},
			"_ssl":  {{Objs: []string{"build/ext/_ssl.o"}, Licenses: []string{"OpenSSL"}}},
		},
	})
	b, err := NewBuilder(d, CreatePackagingPolicy(d), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.AddDistributionResources())

	// Act
	ctx, err := b.EmbeddedContext(&fakeCompiler{})

	// Assert
	require.NoError(t, err)
	python := filepath.Join(d.BaseDir, "python")
	ls := ctx.LinkSettings
	assert.Equal(t, "static", ls.LinkMode)
	assert.Equal(t, []string{
		filepath.Join(python, "build", "core", "main.o"),
		filepath.Join(python, "build", "ext", "_ssl.o"),
	}, ls.ObjectFiles)
	assert.Equal(t, []BuiltinInit{{Module: "_ssl", InitFn: "PyInit__ssl"}}, ls.BuiltinInitFunctions)
	assert.Equal(t, []string{"ffi"}, ls.StaticLibraries)
	assert.Equal(t, []string{"m"}, ls.SystemLibraries)
	assert.Equal(t, []string{filepath.Join(python, "build", "lib")}, ls.LibrarySearchPaths)
	assert.Equal(t, filepath.Join(python, "build", "core", "config.c"), ls.InittabSource)

	json, _ := b.Collector().Get("_json")
	assert.True(t, json.IsBuiltinExtensionModule)

	var summaries []string
	for _, c := range ctx.Licensing.Components() {
		summaries = append(summaries, c.Flavor.String()+": "+c.Summary())
	}
	assert.Equal(t, []string{"Python stdlib extension _ssl: OpenSSL", "cpython: Python-2.0"}, summaries)
	assert.Equal(t, []string{"COPYING.txt"}, ctx.ExtraFiles.Paths())
}

func TestEmbeddedContext_Dynamic(t *testing.T) {
	// Arrange
	d := loadDistribution(t, testutil.Options{
		LinkMode:      "dynamic",
		CoreSharedLib: "install/lib/libpython3.12.so.1.0",
		Extensions: map[string][]testutil.Extension{
			"_ssl": {{SharedLib: "build/ext/_ssl.so"}},
		},
	})
	p := CreatePackagingPolicy(d)
	fallback := resources.RelativePath("lib")
	p.ResourcesLocationFallback = &fallback
	b, err := NewBuilder(d, p, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.AddDistributionResources())

	// Act
	ctx, err := b.EmbeddedContext(&fakeCompiler{})

	// Assert
	require.NoError(t, err)
	assert.False(t, b.Collector().AllowNewBuiltins())
	assert.Equal(t, "dynamic", ctx.LinkSettings.LinkMode)
	assert.Empty(t, ctx.LinkSettings.ObjectFiles)
	assert.Equal(t, []string{"python3.12"}, ctx.LinkSettings.DynamicLibraries)
	assert.Equal(t, []string{"COPYING.txt", "lib/_ssl.so", "libpython3.12.so.1.0"}, ctx.ExtraFiles.Paths())

	lib, _ := ctx.ExtraFiles.Get("libpython3.12.so.1.0")
	assert.True(t, lib.Executable)
}

func TestEmbeddedContext_DynamicRequiredObjectOnlyExtension(t *testing.T) {
	d := loadDistribution(t, testutil.Options{
		LinkMode:      "dynamic",
		CoreSharedLib: "install/lib/libpython3.12.so.1.0",
		Extensions: map[string][]testutil.Extension{
			"_sre": {{Required: true, Objs: []string{"build/ext/_sre.o"}}},
		},
	})
	b, err := NewBuilder(d, CreatePackagingPolicy(d), DefaultOptions())
	require.NoError(t, err)

	err = b.AddDistributionResources()

	assert.EqualError(t, err, "required extension module _sre cannot be packaged for dynamic link mode")
}

func TestNewBuilder_DynamicWithoutSharedLibpython(t *testing.T) {
	d := loadDistribution(t, testutil.Options{})
	opts := DefaultOptions()
	opts.LinkMode = "dynamic"

	_, err := NewBuilder(d, CreatePackagingPolicy(d), opts)

	assert.EqualError(t, err, "distribution x86_64-unknown-linux-gnu has no shared libpython to link dynamically")
}

func TestEmbeddedContext_LoadModes(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		wantConfig []PackedResourcesSource
		wantFile   string
		wantPacked bool
	}{
		{
			name:       "embedded",
			mode:       "embedded:packed-resources",
			wantConfig: []PackedResourcesSource{{Kind: "memory-include-bytes", Path: "packed-resources"}},
			wantPacked: true,
		},
		{
			name:       "memory mapped",
			mode:       "binary-relative-memory-mapped:resources/packed",
			wantConfig: []PackedResourcesSource{{Kind: "memory-mapped-path", Path: "$ORIGIN/resources/packed"}},
			wantFile:   "resources/packed",
		},
		{
			name: "none",
			mode: "none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			d := loadDistribution(t, testutil.Options{})
			opts := DefaultOptions()
			var err error
			opts.LoadMode, err = ParseLoadMode(tt.mode)
			require.NoError(t, err)
			b, err := NewBuilder(d, CreatePackagingPolicy(d), opts)
			require.NoError(t, err)
			require.NoError(t, b.AddDistributionResources())

			// Act
			ctx, err := b.EmbeddedContext(&fakeCompiler{})

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.wantConfig, ctx.Config.PackedResources)
			assert.Equal(t, tt.wantPacked, len(ctx.PackedResources) > 0)
			if tt.wantFile != "" {
				_, ok := ctx.ExtraFiles.Get(tt.wantFile)
				assert.True(t, ok)
			}
		})
	}
}

func TestEmbeddedContext_ConflictingExtraFiles(t *testing.T) {
	// Arrange: the packed resources file and the licenses file collide
	d := loadDistribution(t, testutil.Options{})
	opts := DefaultOptions()
	var err error
	opts.LoadMode, err = ParseLoadMode("binary-relative-memory-mapped:COPYING.txt")
	require.NoError(t, err)
	opts.LicensesFilename = "COPYING.txt"
	b, err := NewBuilder(d, CreatePackagingPolicy(d), opts)
	require.NoError(t, err)

	// Act
	_, err = b.EmbeddedContext(nil)

	// Assert
	assert.ErrorIs(t, err, ErrDuplicatePath)
}

func TestEmbeddedContext_WarnsAboutDunderFile(t *testing.T) {
	// Arrange
	stdlib := map[string]string{
		"os.py":   "import sys\n",
		"site.py": "here = __file__\n",
	}
	d := loadDistribution(t, testutil.Options{Stdlib: stdlib})
	core, logs := observer.New(zapcore.WarnLevel)
	opts := DefaultOptions()
	opts.Logger = zap.New(core)
	b, err := NewBuilder(d, CreatePackagingPolicy(d), opts)
	require.NoError(t, err)
	require.NoError(t, b.AddDistributionResources())

	// Act
	ctx, err := b.EmbeddedContext(&fakeCompiler{})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{"site"}, ctx.FileUsers)
	warned := logs.FilterMessage("module references __file__ and may misbehave when loaded from memory")
	require.Equal(t, 1, warned.Len())
	assert.Equal(t, "site", warned.All()[0].ContextMap()["module"])
}

func TestEmbeddedContext_TclFiles(t *testing.T) {
	d := loadDistribution(t, testutil.Options{
		TclFiles: map[string]string{"tcl8.6/init.tcl": "proc init {} {}"},
	})
	opts := DefaultOptions()
	opts.TclFilesPath = "tcl"
	b, err := NewBuilder(d, CreatePackagingPolicy(d), opts)
	require.NoError(t, err)

	ctx, err := b.EmbeddedContext(nil)

	require.NoError(t, err)
	_, ok := ctx.ExtraFiles.Get("tcl/tcl8.6/init.tcl")
	assert.True(t, ok)
	assert.Equal(t, "$ORIGIN/tcl", ctx.Config.TclLibrary)
}

func TestEmbeddedContext_NoCompiler(t *testing.T) {
	d := loadDistribution(t, testutil.Options{})
	b, err := NewBuilder(d, CreatePackagingPolicy(d), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.AddDistributionResources())

	_, err = b.EmbeddedContext(nil)

	assert.ErrorIs(t, err, resources.ErrNoCompiler)
}

func TestEmbeddedContext_IncludeFileResources(t *testing.T) {
	d := loadDistribution(t, testutil.Options{})
	p := CreatePackagingPolicy(d)
	p.IncludeFileResources = true

	t.Run("files not allowed", func(t *testing.T) {
		b, err := NewBuilder(d, p, DefaultOptions())
		require.NoError(t, err)

		err = b.AddDistributionResources()

		assert.ErrorIs(t, err, resources.ErrFilesNotAllowed)
	})

	t.Run("files allowed", func(t *testing.T) {
		p.AllowFiles = true
		b, err := NewBuilder(d, p, DefaultOptions())
		require.NoError(t, err)

		require.NoError(t, b.AddDistributionResources())

		r, ok := b.Collector().Get("include/Python.h")
		require.True(t, ok)
		assert.True(t, r.IsFile)
	})
}
