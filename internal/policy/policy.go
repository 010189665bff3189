// Package policy holds the rules deciding which distribution content is
// packaged and where it is placed.
package policy

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/frederic-klein/pyembed/internal/resources"
)

// Policy is a packaging policy. Build one with New.
type Policy struct {
	// ResourcesLocation is where added resources go by default.
	ResourcesLocation resources.ConcreteLocation
	// ResourcesLocationFallback is used when the primary location is not
	// allowed for a resource. Nil means no fallback.
	ResourcesLocationFallback *resources.ConcreteLocation

	AllowInMemorySharedLibraryLoading bool
	AllowFiles                        bool
	IncludeDistributionSources        bool
	IncludeDistributionResources      bool
	IncludeTest                       bool
	IncludeFileResources              bool

	BytecodeOptimizeLevelZero bool
	BytecodeOptimizeLevelOne  bool
	BytecodeOptimizeLevelTwo  bool

	preferredVariants map[string]string
	brokenExtensions  map[string][]string
	noBytecode        map[string]struct{}
	excludePatterns   []string
}

// New returns the default policy: in-memory resources with no fallback,
// distribution sources and level 0 bytecode included, tests and package
// resources excluded.
func New() *Policy {
	return &Policy{
		ResourcesLocation:          resources.InMemory,
		IncludeDistributionSources: true,
		BytecodeOptimizeLevelZero:  true,
		preferredVariants:          make(map[string]string),
		brokenExtensions:           make(map[string][]string),
		noBytecode:                 make(map[string]struct{}),
	}
}

// SetPreferredExtensionModuleVariant selects variant for extension when
// the distribution offers it.
func (p *Policy) SetPreferredExtensionModuleVariant(extension, variant string) {
	p.preferredVariants[extension] = variant
}

// PreferredExtensionModuleVariant returns the chosen variant, if any.
func (p *Policy) PreferredExtensionModuleVariant(extension string) (string, bool) {
	v, ok := p.preferredVariants[extension]
	return v, ok
}

// PreferredExtensionModuleVariants returns a copy of the variant map.
func (p *Policy) PreferredExtensionModuleVariants() map[string]string {
	return maps.Clone(p.preferredVariants)
}

// RegisterBrokenExtension marks extension as unusable on triple.
// Registering the same pair twice has no further effect.
func (p *Policy) RegisterBrokenExtension(triple, extension string) {
	if slices.Contains(p.brokenExtensions[triple], extension) {
		return
	}
	p.brokenExtensions[triple] = append(p.brokenExtensions[triple], extension)
}

// IsBrokenExtension reports whether extension is denylisted on triple.
func (p *Policy) IsBrokenExtension(triple, extension string) bool {
	return slices.Contains(p.brokenExtensions[triple], extension)
}

// BrokenExtensions returns the denylist for triple in registration order.
func (p *Policy) BrokenExtensions(triple string) []string {
	return slices.Clone(p.brokenExtensions[triple])
}

// RegisterNoBytecodeModule stops bytecode from being requested for name
// by default.
func (p *Policy) RegisterNoBytecodeModule(name string) {
	p.noBytecode[name] = struct{}{}
}

// IsNoBytecodeModule reports whether name is registered as bytecode-free.
func (p *Policy) IsNoBytecodeModule(name string) bool {
	_, ok := p.noBytecode[name]
	return ok
}

// NoBytecodeModules returns the registered names, sorted.
func (p *Policy) NoBytecodeModules() []string {
	return slices.Sorted(maps.Keys(p.noBytecode))
}

// SetExcludePatterns replaces the exclusion globs. Patterns match dotted
// names with dots turned into slashes, so "test/**" drops the test
// package and everything below it.
func (p *Policy) SetExcludePatterns(patterns []string) error {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	p.excludePatterns = slices.Clone(patterns)
	return nil
}

// ExcludePatterns returns the active exclusion globs.
func (p *Policy) ExcludePatterns() []string {
	return slices.Clone(p.excludePatterns)
}

// Excludes reports whether a dotted name matches an exclusion glob.
func (p *Policy) Excludes(name string) bool {
	path := strings.ReplaceAll(name, ".", "/")
	for _, pattern := range p.excludePatterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// BytecodeLevels returns the enabled optimization levels in ascending order.
func (p *Policy) BytecodeLevels() []int {
	var levels []int
	if p.BytecodeOptimizeLevelZero {
		levels = append(levels, 0)
	}
	if p.BytecodeOptimizeLevelOne {
		levels = append(levels, 1)
	}
	if p.BytecodeOptimizeLevelTwo {
		levels = append(levels, 2)
	}
	return levels
}
