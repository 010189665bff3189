package distribution

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/frederic-klein/pyembed/internal/manifest"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Directories under the stdlib root that never contribute resources.
var skippedStdlibDirs = map[string]bool{
	"__pycache__":   true,
	"site-packages": true,
}

// scanStdlib classifies stdlib files into module sources and package
// resources. Compiled extensions and bytecode are ignored: extensions are
// described by the build info and bytecode is regenerated.
func scanStdlib(root string, suffixes manifest.ModuleSuffixes) (map[string]string, map[string]map[string]string, error) {
	files, err := WalkTreeFiles(root)
	if err != nil {
		return nil, nil, err
	}

	modules := make(map[string]string)
	resources := make(map[string]map[string]string)

	for _, rel := range files {
		dirs, file := splitRel(rel)
		if hasSkippedDir(dirs) {
			continue
		}
		if hasAnySuffix(file, suffixes.Extension) || hasAnySuffix(file, suffixes.Bytecode) ||
			hasAnySuffix(file, suffixes.OptimizedBytecode) || hasAnySuffix(file, suffixes.DebugBytecode) {
			continue
		}

		full := filepath.Join(root, filepath.FromSlash(rel))

		if stem, ok := trimAnySuffix(file, suffixes.Source); ok {
			name, ok := moduleName(dirs, stem)
			if ok {
				modules[name] = full
			}
			continue
		}

		pkg, relName, ok := resourceOwner(dirs, file)
		if !ok {
			continue
		}
		if resources[pkg] == nil {
			resources[pkg] = make(map[string]string)
		}
		resources[pkg][relName] = full
	}

	return modules, resources, nil
}

func splitRel(rel string) ([]string, string) {
	parts := strings.Split(rel, "/")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

func hasSkippedDir(dirs []string) bool {
	for _, d := range dirs {
		if skippedStdlibDirs[d] {
			return true
		}
	}
	return false
}

func hasAnySuffix(name string, suffixes []string) bool {
	_, ok := trimAnySuffix(name, suffixes)
	return ok
}

func trimAnySuffix(name string, suffixes []string) (string, bool) {
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(name, s) {
			return strings.TrimSuffix(name, s), true
		}
	}
	return "", false
}

// moduleName derives a dotted module name. __init__ names its package.
func moduleName(dirs []string, stem string) (string, bool) {
	for _, d := range dirs {
		if !identifierRe.MatchString(d) {
			return "", false
		}
	}
	if stem == "__init__" {
		if len(dirs) == 0 {
			return "", false
		}
		return strings.Join(dirs, "."), true
	}
	if !identifierRe.MatchString(stem) {
		return "", false
	}
	return strings.Join(append(append([]string(nil), dirs...), stem), "."), true
}

// resourceOwner attributes a data file to the deepest enclosing package
// whose path is importable. The remaining path becomes the resource name.
func resourceOwner(dirs []string, file string) (string, string, bool) {
	n := 0
	for n < len(dirs) && identifierRe.MatchString(dirs[n]) {
		n++
	}
	if n == 0 {
		return "", "", false
	}
	rest := append(append([]string(nil), dirs[n:]...), file)
	return strings.Join(dirs[:n], "."), strings.Join(rest, "/"), true
}

// IsPackageName reports whether a module name denotes a package in the
// scanned stdlib.
func (d *Distribution) IsPackageName(name string) bool {
	src, ok := d.PyModules[name]
	if !ok {
		return false
	}
	return strings.HasPrefix(filepath.Base(src), "__init__.")
}
