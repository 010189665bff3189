package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/pyembed/internal/distribution"
	"github.com/frederic-klein/pyembed/internal/embed"
	"github.com/frederic-klein/pyembed/internal/policy"
	"github.com/frederic-klein/pyembed/internal/resources"
	"github.com/frederic-klein/pyembed/internal/testutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pyembed.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func boolPtr(b bool) *bool     { return &b }
func strPtr(s string) *string { return &s }

func TestLoad_Defaults(t *testing.T) {
	// Arrange
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	// Act
	s, err := Load("")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".pyembed", "cache"), s.CacheDir)
	assert.Equal(t, 5, s.Workers)
	assert.Equal(t, "3.12", s.Python.Version)
	assert.Equal(t, "python", s.Embed.Name)
	assert.Equal(t, "COPYING.txt", s.Embed.LicensesFilename)
	assert.Equal(t, "embedded:packed-resources", s.Embed.LoadMode)
	assert.Nil(t, s.Packaging.AllowFiles)
	assert.Nil(t, s.Packaging.BytecodeOptimizeLevels)
}

func TestLoad_FileAndEnv(t *testing.T) {
	// Arrange
	path := writeConfig(t, `
cache_dir: /tmp/pyembed-cache
workers: 2
python:
  version: "3.11"
packaging:
  allow_files: true
  resources_location: filesystem-relative:lib
  bytecode_optimize_levels: [1, 2]
  exclude_patterns: ["test/**"]
  preferred_extension_variants:
    _ssl: openssl-3.0
embed:
  link_mode: dynamic
`)
	t.Setenv("PYEMBED_WORKERS", "8")
	t.Setenv("PYEMBED_EMBED_NAME", "app")
	t.Setenv("PYEMBED_PACKAGING_INCLUDE_TEST", "true")

	// Act
	s, err := Load(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pyembed-cache", s.CacheDir)
	assert.Equal(t, 8, s.Workers, "environment wins over the file")
	assert.Equal(t, "3.11", s.Python.Version)
	assert.Equal(t, "app", s.Embed.Name)
	assert.Equal(t, "dynamic", s.Embed.LinkMode)
	require.NotNil(t, s.Packaging.AllowFiles)
	assert.True(t, *s.Packaging.AllowFiles)
	require.NotNil(t, s.Packaging.IncludeTest)
	assert.True(t, *s.Packaging.IncludeTest)
	assert.Nil(t, s.Packaging.IncludeFileResources)
	assert.Equal(t, []int{1, 2}, s.Packaging.BytecodeOptimizeLevels)
	assert.Equal(t, map[string]string{"_ssl": "openssl-3.0"}, s.Packaging.PreferredExtensionVariants)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr string
	}{
		{
			name:    "missing explicit file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.yaml") },
			wantErr: "reading config file",
		},
		{
			name:    "invalid workers",
			path:    func(t *testing.T) string { return writeConfig(t, "workers: 0\n") },
			wantErr: "workers must be at least 1, got 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPackagingSettings_Apply(t *testing.T) {
	// Arrange
	p := policy.New()
	ps := PackagingSettings{
		ResourcesLocation:          strPtr("filesystem-relative:lib"),
		ResourcesLocationFallback:  strPtr("in-memory"),
		AllowFiles:                 boolPtr(true),
		IncludeDistributionSources: boolPtr(false),
		BytecodeOptimizeLevels:     []int{2},
		ExcludePatterns:            []string{"test/**"},
		PreferredExtensionVariants: map[string]string{"_ssl": "openssl-3.0"},
	}

	// Act
	err := ps.Apply(p)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, resources.RelativePath("lib"), p.ResourcesLocation)
	require.NotNil(t, p.ResourcesLocationFallback)
	assert.Equal(t, resources.InMemory, *p.ResourcesLocationFallback)
	assert.True(t, p.AllowFiles)
	assert.False(t, p.IncludeDistributionSources)
	assert.False(t, p.IncludeTest, "unset fields keep the policy value")
	assert.Equal(t, []int{2}, p.BytecodeLevels())
	assert.True(t, p.Excludes("test.test_os"))
	variant, ok := p.PreferredExtensionModuleVariant("_ssl")
	assert.True(t, ok)
	assert.Equal(t, "openssl-3.0", variant)
}

func TestPackagingSettings_Apply_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		ps      PackagingSettings
		wantErr string
	}{
		{name: "location", ps: PackagingSettings{ResourcesLocation: strPtr("somewhere")}, wantErr: "packaging.resources_location"},
		{name: "level", ps: PackagingSettings{BytecodeOptimizeLevels: []int{3}}, wantErr: "invalid level 3"},
		{name: "pattern", ps: PackagingSettings{ExcludePatterns: []string{"[a-"}}, wantErr: "packaging.exclude_patterns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ps.Apply(policy.New())

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEmbedSettings_Options(t *testing.T) {
	d, err := distribution.FromDirectory(testutil.WriteDistribution(t, testutil.Options{}))
	require.NoError(t, err)

	t.Run("defaults keep derived config", func(t *testing.T) {
		es := EmbedSettings{Name: "app", LicensesFilename: "LICENSES", LoadMode: "none"}

		opts, err := es.Options(d)

		require.NoError(t, err)
		assert.Equal(t, "app", opts.Name)
		assert.Equal(t, "LICENSES", opts.LicensesFilename)
		assert.Equal(t, embed.LoadNone, opts.LoadMode)
		assert.Nil(t, opts.Config)
	})

	t.Run("interpreter overrides", func(t *testing.T) {
		es := EmbedSettings{LoadMode: "binary-relative-memory-mapped:app.packed", Profile: "python", Allocator: "mimalloc"}

		opts, err := es.Options(d)

		require.NoError(t, err)
		assert.Equal(t, embed.LoadMode{Kind: "binary-relative-memory-mapped", Path: "app.packed"}, opts.LoadMode)
		require.NotNil(t, opts.Config)
		assert.Equal(t, embed.ProfilePython, opts.Config.Profile)
		assert.Equal(t, embed.AllocatorMimalloc, opts.Config.Allocator)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := EmbedSettings{LoadMode: "embedded"}.Options(d)
		assert.ErrorContains(t, err, "embed.load_mode")

		_, err = EmbedSettings{LoadMode: "none", Allocator: "tcmalloc"}.Options(d)
		assert.ErrorContains(t, err, "embed.allocator")
	})
}
