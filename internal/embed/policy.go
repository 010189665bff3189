// Package embed assembles a resolved distribution, a packaging policy and
// collected resources into the context a linker stage consumes.
package embed

import (
	"strings"

	"github.com/frederic-klein/pyembed/internal/distribution"
	"github.com/frederic-klein/pyembed/internal/policy"
	"github.com/frederic-klein/pyembed/internal/resources"
)

// CreatePackagingPolicy derives the default policy for d. Only targets able
// to load shared libraries from memory get an in-memory primary location
// with a lib/ fallback.
func CreatePackagingPolicy(d *distribution.Distribution) *policy.Policy {
	p := policy.New()

	if d.SupportsInMemorySharedLibraryLoading() {
		fallback := resources.RelativePath("lib")
		p.ResourcesLocation = resources.InMemory
		p.ResourcesLocationFallback = &fallback
	}

	for _, triple := range policy.LinuxTargetTriples() {
		for _, ext := range policy.BrokenExtensionsLinux() {
			p.RegisterBrokenExtension(triple, ext)
		}
	}
	for _, triple := range policy.MacOSTargetTriples() {
		for _, ext := range policy.BrokenExtensionsMacOS() {
			p.RegisterBrokenExtension(triple, ext)
		}
	}
	for _, name := range policy.NoBytecodeModules() {
		p.RegisterNoBytecodeModule(name)
	}

	return p
}

// NewInterpreterConfig returns the interpreter configuration for d.
// Non-Windows targets default to jemalloc.
func NewInterpreterConfig(d *distribution.Distribution) InterpreterConfig {
	cfg := DefaultInterpreterConfig()
	if !strings.Contains(d.TargetTriple, "-windows") {
		cfg.Allocator = AllocatorJemalloc
	}
	return cfg
}
