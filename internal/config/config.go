// Package config loads pyembed settings from pyembed.yaml, a .env file and
// PYEMBED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/frederic-klein/pyembed/internal/distribution"
	"github.com/frederic-klein/pyembed/internal/embed"
	"github.com/frederic-klein/pyembed/internal/policy"
	"github.com/frederic-klein/pyembed/internal/resources"
)

// EnvPrefix prefixes environment overrides, e.g. PYEMBED_EMBED_LINK_MODE.
const EnvPrefix = "PYEMBED"

// Settings is the full pyembed configuration.
type Settings struct {
	CacheDir string `mapstructure:"cache_dir"`
	Workers  int    `mapstructure:"workers"`
	Verbose  bool   `mapstructure:"verbose"`

	Index     IndexSettings     `mapstructure:"index"`
	Python    PythonSettings    `mapstructure:"python"`
	Packaging PackagingSettings `mapstructure:"packaging"`
	Embed     EmbedSettings     `mapstructure:"embed"`
}

// IndexSettings adds records to the built-in distribution index.
type IndexSettings struct {
	Files []string `mapstructure:"files"`
	URL   string   `mapstructure:"url"`
}

// PythonSettings selects a distribution from the index.
type PythonSettings struct {
	Version string `mapstructure:"version"`
	// TargetTriple defaults to the host triple when empty.
	TargetTriple string `mapstructure:"target_triple"`
}

// PackagingSettings override the policy derived from a distribution.
// Nil fields keep the derived value.
type PackagingSettings struct {
	ResourcesLocation                 *string           `mapstructure:"resources_location"`
	ResourcesLocationFallback         *string           `mapstructure:"resources_location_fallback"`
	AllowFiles                        *bool             `mapstructure:"allow_files"`
	AllowInMemorySharedLibraryLoading *bool             `mapstructure:"allow_in_memory_shared_library_loading"`
	IncludeDistributionSources        *bool             `mapstructure:"include_distribution_sources"`
	IncludeDistributionResources      *bool             `mapstructure:"include_distribution_resources"`
	IncludeTest                       *bool             `mapstructure:"include_test"`
	IncludeFileResources              *bool             `mapstructure:"include_file_resources"`
	BytecodeOptimizeLevels            []int             `mapstructure:"bytecode_optimize_levels"`
	ExcludePatterns                   []string          `mapstructure:"exclude_patterns"`
	PreferredExtensionVariants        map[string]string `mapstructure:"preferred_extension_variants"`
}

// EmbedSettings configure the context assembler.
type EmbedSettings struct {
	Name             string `mapstructure:"name"`
	LinkMode         string `mapstructure:"link_mode"`
	LicensesFilename string `mapstructure:"licenses_filename"`
	TclFilesPath     string `mapstructure:"tcl_files_path"`
	LoadMode         string `mapstructure:"load_mode"`
	Profile          string `mapstructure:"profile"`
	Allocator        string `mapstructure:"allocator"`
}

var packagingKeys = []string{
	"resources_location",
	"resources_location_fallback",
	"allow_files",
	"allow_in_memory_shared_library_loading",
	"include_distribution_sources",
	"include_distribution_resources",
	"include_test",
	"include_file_resources",
	"bytecode_optimize_levels",
	"exclude_patterns",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", "")
	v.SetDefault("workers", 5)
	v.SetDefault("verbose", false)
	v.SetDefault("index.files", []string{})
	v.SetDefault("index.url", "")
	v.SetDefault("python.version", "3.12")
	v.SetDefault("python.target_triple", "")

	defaults := embed.DefaultOptions()
	v.SetDefault("embed.name", defaults.Name)
	v.SetDefault("embed.link_mode", "")
	v.SetDefault("embed.licenses_filename", defaults.LicensesFilename)
	v.SetDefault("embed.tcl_files_path", "")
	v.SetDefault("embed.load_mode", defaults.LoadMode.String())
	v.SetDefault("embed.profile", "")
	v.SetDefault("embed.allocator", "")
}

// Load reads configFile, or pyembed.yaml from the working directory when
// configFile is empty. A missing default file is not an error.
func Load(configFile string) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("pyembed")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range packagingKeys {
		if err := v.BindEnv("packaging." + key); err != nil {
			return nil, fmt.Errorf("binding packaging.%s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if s.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		s.CacheDir = filepath.Join(home, ".pyembed", "cache")
	}
	if s.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}
	return &s, nil
}

// Apply overlays the configured values onto p.
func (ps PackagingSettings) Apply(p *policy.Policy) error {
	if ps.ResourcesLocation != nil {
		loc, err := resources.ParseLocation(*ps.ResourcesLocation)
		if err != nil {
			return fmt.Errorf("packaging.resources_location: %w", err)
		}
		p.ResourcesLocation = loc
	}
	if ps.ResourcesLocationFallback != nil {
		if *ps.ResourcesLocationFallback == "" {
			p.ResourcesLocationFallback = nil
		} else {
			loc, err := resources.ParseLocation(*ps.ResourcesLocationFallback)
			if err != nil {
				return fmt.Errorf("packaging.resources_location_fallback: %w", err)
			}
			p.ResourcesLocationFallback = &loc
		}
	}

	for _, b := range []struct {
		from *bool
		to   *bool
	}{
		{ps.AllowFiles, &p.AllowFiles},
		{ps.AllowInMemorySharedLibraryLoading, &p.AllowInMemorySharedLibraryLoading},
		{ps.IncludeDistributionSources, &p.IncludeDistributionSources},
		{ps.IncludeDistributionResources, &p.IncludeDistributionResources},
		{ps.IncludeTest, &p.IncludeTest},
		{ps.IncludeFileResources, &p.IncludeFileResources},
	} {
		if b.from != nil {
			*b.to = *b.from
		}
	}

	if ps.BytecodeOptimizeLevels != nil {
		p.BytecodeOptimizeLevelZero, p.BytecodeOptimizeLevelOne, p.BytecodeOptimizeLevelTwo = false, false, false
		for _, level := range ps.BytecodeOptimizeLevels {
			switch level {
			case 0:
				p.BytecodeOptimizeLevelZero = true
			case 1:
				p.BytecodeOptimizeLevelOne = true
			case 2:
				p.BytecodeOptimizeLevelTwo = true
			default:
				return fmt.Errorf("packaging.bytecode_optimize_levels: invalid level %d", level)
			}
		}
	}

	if len(ps.ExcludePatterns) > 0 {
		if err := p.SetExcludePatterns(ps.ExcludePatterns); err != nil {
			return fmt.Errorf("packaging.exclude_patterns: %w", err)
		}
	}
	for ext, variant := range ps.PreferredExtensionVariants {
		p.SetPreferredExtensionModuleVariant(ext, variant)
	}
	return nil
}

// Options builds assembler options for d.
func (es EmbedSettings) Options(d *distribution.Distribution) (embed.Options, error) {
	opts := embed.DefaultOptions()
	opts.Name = es.Name
	opts.LinkMode = es.LinkMode
	opts.LicensesFilename = es.LicensesFilename
	opts.TclFilesPath = es.TclFilesPath

	mode, err := embed.ParseLoadMode(es.LoadMode)
	if err != nil {
		return embed.Options{}, fmt.Errorf("embed.load_mode: %w", err)
	}
	opts.LoadMode = mode

	if es.Profile == "" && es.Allocator == "" {
		return opts, nil
	}
	cfg := embed.NewInterpreterConfig(d)
	if es.Profile != "" {
		if cfg.Profile, err = embed.ParseProfile(es.Profile); err != nil {
			return embed.Options{}, fmt.Errorf("embed.profile: %w", err)
		}
	}
	if es.Allocator != "" {
		if cfg.Allocator, err = embed.ParseAllocatorBackend(es.Allocator); err != nil {
			return embed.Options{}, fmt.Errorf("embed.allocator: %w", err)
		}
	}
	opts.Config = &cfg
	return opts, nil
}
