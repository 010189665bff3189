package embed

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/frederic-klein/pyembed/internal/dist"
	"github.com/frederic-klein/pyembed/internal/distribution"
	"github.com/frederic-klein/pyembed/internal/policy"
)

// BuiltinInit pairs a builtin extension with its init function.
type BuiltinInit struct {
	Module string `yaml:"module"`
	InitFn string `yaml:"init_fn"`
}

// LinkSettings is what a linker needs to produce the binary.
type LinkSettings struct {
	LinkMode             string        `yaml:"link_mode"`
	ObjectFiles          []string      `yaml:"object_files"`
	BuiltinInitFunctions []BuiltinInit `yaml:"builtin_init_functions"`
	LibrarySearchPaths   []string      `yaml:"library_search_paths"`
	StaticLibraries      []string      `yaml:"static_libraries"`
	DynamicLibraries     []string      `yaml:"dynamic_libraries"`
	SystemLibraries      []string      `yaml:"system_libraries"`
	Frameworks           []string      `yaml:"frameworks"`
	InittabSource        string        `yaml:"inittab_source"`
	InittabCflags        []string      `yaml:"inittab_cflags"`
}

type set map[string]struct{}

func (s set) add(v string) { s[v] = struct{}{} }

func (s set) sorted() []string { return slices.Sorted(maps.Keys(s)) }

type linkState struct {
	objects, searchPaths, static, dynamic, system, frameworks set
}

func newLinkState() *linkState {
	return &linkState{
		objects:     set{},
		searchPaths: set{},
		static:      set{},
		dynamic:     set{},
		system:      set{},
		frameworks:  set{},
	}
}

func (s *linkState) addDependency(dep dist.LibraryDependency) {
	switch {
	case dep.Framework:
		s.frameworks.add(dep.Name)
	case dep.System:
		s.system.add(dep.Name)
	case dep.StaticLibrary != nil:
		s.static.add(dep.Name)
		if p, ok := dep.StaticLibrary.BackingPath(); ok {
			s.searchPaths.add(filepath.Dir(p))
		}
	case dep.DynamicLibrary != nil:
		s.dynamic.add(dep.Name)
		if p, ok := dep.DynamicLibrary.BackingPath(); ok {
			s.searchPaths.add(filepath.Dir(p))
		}
	}
}

// libraryName turns libfoo.a or libfoo.so.1 into foo.
func libraryName(file string) string {
	name := strings.TrimPrefix(dist.BaseName(file), "lib")
	if idx := strings.Index(name, ".so"); idx != -1 {
		return name[:idx]
	}
	if idx := strings.Index(name, ".dylib"); idx != -1 {
		return name[:idx]
	}
	return strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(name, ".a"), ".lib"), ".dll")
}

// resolveLinkSettings collects link inputs for the core and the newly
// builtin extensions. The inittab object is left out because the linker
// stage regenerates the inittab from InittabSource.
func resolveLinkSettings(d *distribution.Distribution, mode distribution.LinkMode, builtins []distribution.ExtensionModule) (LinkSettings, error) {
	s := newLinkState()
	ls := LinkSettings{
		LinkMode:      mode.String(),
		InittabSource: d.InittabSource,
		InittabCflags: slices.Clone(d.InittabCflags),
	}

	switch mode {
	case distribution.LinkStatic:
		for _, full := range d.ObjsCore {
			if full == d.InittabObject {
				continue
			}
			s.objects.add(full)
		}
		for _, dep := range d.LinksCore {
			s.addDependency(dep)
		}
		for _, em := range builtins {
			for _, obj := range em.ObjectFiles {
				p, ok := obj.BackingPath()
				if !ok {
					return ls, fmt.Errorf("object file for %s is not backed by a file", em.Name)
				}
				s.objects.add(p)
			}
			if em.StaticLibrary != nil {
				if p, ok := em.StaticLibrary.BackingPath(); ok {
					s.static.add(libraryName(p))
					s.searchPaths.add(filepath.Dir(p))
				}
			}
			for _, dep := range em.Links {
				s.addDependency(dep)
			}
			ls.BuiltinInitFunctions = append(ls.BuiltinInitFunctions, BuiltinInit{Module: em.Name, InitFn: em.InitFn})
		}
	case distribution.LinkDynamic:
		if d.LibpythonSharedLibrary == "" {
			return ls, fmt.Errorf("distribution %s does not provide a shared libpython", d.TargetTriple)
		}
		s.dynamic.add(libraryName(d.LibpythonSharedLibrary))
		s.searchPaths.add(filepath.Dir(d.LibpythonSharedLibrary))
	}

	if policy.IsWindowsTarget(d.TargetTriple) {
		s.system.add("msvcrt")
	}

	ls.ObjectFiles = s.objects.sorted()
	ls.LibrarySearchPaths = s.searchPaths.sorted()
	ls.StaticLibraries = s.static.sorted()
	ls.DynamicLibraries = s.dynamic.sorted()
	ls.SystemLibraries = s.system.sorted()
	ls.Frameworks = s.frameworks.sorted()
	slices.SortFunc(ls.BuiltinInitFunctions, func(a, b BuiltinInit) int {
		return strings.Compare(a.Module, b.Module)
	})
	return ls, nil
}
