// Package testutil builds on-disk distribution fixtures for tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// Extension describes one extension variant written into a fixture.
type Extension struct {
	InCore    bool
	Required  bool
	Variant   string
	Objs      []string
	SharedLib string
	Licenses  []string
}

// Options controls the generated distribution. Zero values pick defaults
// for a statically linked x86_64 Linux CPython 3.12.
type Options struct {
	TargetTriple     string
	SymbolVisibility string
	ExtensionLoading []string
	LinkMode         string
	CoreObjs         []string
	CoreSharedLib    string
	Extensions       map[string][]Extension
	Includes         map[string]string
	Stdlib           map[string]string
	TestPackages     []string
	Licenses         []string
	LicenseText      string
	TclFiles         map[string]string
	ConfigVars       map[string]string
	// RootEntries are extra names created at the distribution root.
	RootEntries []string
	// OmitPaths removes keys from python_paths.
	OmitPaths []string
}

const (
	includeRel = "install/include/python3.12"
	stdlibRel  = "install/lib/python3.12"
	exeRel     = "install/bin/python3"
	tclRel     = "install/lib/tcl"
)

// DefaultStdlib is a small importable standard library.
var DefaultStdlib = map[string]string{
	"os.py":                          "import sys\n",
	"json/__init__.py":               "from .decoder import JSONDecoder\n",
	"json/decoder.py":                "class JSONDecoder: pass\n",
	"email/architecture.rst":         "docs\n",
	"test/__init__.py":               "",
	"test/test_os.py":                "import os\n",
	"lib2to3/Grammar.txt":            "grammar\n",
	"__pycache__/os.cpython-312.pyc": "bytecode",
	"site-packages/README.txt":       "placeholder\n",
}

// WriteDistribution writes a distribution fixture and returns its root.
func WriteDistribution(t testing.TB, opts Options) string {
	t.Helper()

	if opts.TargetTriple == "" {
		opts.TargetTriple = "x86_64-unknown-linux-gnu"
	}
	if opts.SymbolVisibility == "" {
		opts.SymbolVisibility = "global-default"
	}
	if opts.ExtensionLoading == nil {
		opts.ExtensionLoading = []string{"builtin", "shared-library"}
	}
	if opts.LinkMode == "" {
		opts.LinkMode = "static"
	}
	if opts.CoreObjs == nil {
		opts.CoreObjs = []string{"build/core/main.o"}
	}
	if opts.Includes == nil {
		opts.Includes = map[string]string{
			"Python.h":             "#include \"object.h\"\n",
			"object.h":             "typedef struct _object PyObject;\n",
			"cpython/pyconfig.h":   "#define X 1\n",
			"internal/pycore_gc.h": "\n",
		}
	}
	if opts.Stdlib == nil {
		opts.Stdlib = DefaultStdlib
	}
	if opts.TestPackages == nil {
		opts.TestPackages = []string{"test"}
	}
	if opts.ConfigVars == nil {
		opts.ConfigVars = map[string]string{"Py_DEBUG": "0"}
	}

	root := t.TempDir()
	python := filepath.Join(root, "python")

	for _, obj := range opts.CoreObjs {
		WriteFile(t, filepath.Join(python, obj), "object "+obj)
	}
	WriteFile(t, filepath.Join(python, "build/core/config.o"), "inittab")
	WriteFile(t, filepath.Join(python, "build/core/config.c"), "/* inittab */")
	WriteFile(t, filepath.Join(python, "build/lib/libffi.a"), "archive")
	WriteFile(t, filepath.Join(python, exeRel), "#!python")
	for rel, content := range opts.Includes {
		WriteFile(t, filepath.Join(python, includeRel, rel), content)
	}
	for rel, content := range opts.Stdlib {
		WriteFile(t, filepath.Join(python, stdlibRel, rel), content)
	}
	if err := os.MkdirAll(filepath.Join(python, stdlibRel), 0755); err != nil {
		t.Fatal(err)
	}

	core := map[string]any{
		"objs": opts.CoreObjs,
		"links": []map[string]any{
			{"name": "m", "system": true},
			{"name": "ffi", "path_static": "build/lib/libffi.a"},
		},
	}
	if opts.CoreSharedLib != "" {
		WriteFile(t, filepath.Join(python, opts.CoreSharedLib), "shared libpython")
		core["shared_lib"] = opts.CoreSharedLib
	}

	extensions := map[string]any{}
	for name, variants := range opts.Extensions {
		var vs []map[string]any
		for _, v := range variants {
			for _, obj := range v.Objs {
				WriteFile(t, filepath.Join(python, obj), "object "+obj)
			}
			entry := map[string]any{
				"in_core":  v.InCore,
				"init_fn":  "PyInit_" + name,
				"links":    []any{},
				"objs":     nonNil(v.Objs),
				"required": v.Required,
				"variant":  orDefault(v.Variant, "default"),
			}
			if v.SharedLib != "" {
				WriteFile(t, filepath.Join(python, v.SharedLib), "shared "+name)
				entry["shared_lib"] = v.SharedLib
			}
			if v.Licenses != nil {
				entry["licenses"] = v.Licenses
			}
			vs = append(vs, entry)
		}
		extensions[name] = vs
	}

	paths := map[string]string{"include": includeRel, "stdlib": stdlibRel}
	for _, k := range opts.OmitPaths {
		delete(paths, k)
	}

	doc := map[string]any{
		"version":                           "7",
		"target_triple":                     opts.TargetTriple,
		"optimizations":                     "pgo+lto",
		"python_tag":                        "cp312",
		"python_abi_tag":                    "cp312",
		"python_config_vars":                opts.ConfigVars,
		"python_platform_tag":               "linux-x86_64",
		"python_implementation_cache_tag":   "cpython-312",
		"python_implementation_hex_version": 51118320,
		"python_implementation_name":        "cpython",
		"python_implementation_version":     []string{"3", "12", "3", "final", "0"},
		"python_version":                    "3.12.3",
		"python_major_minor_version":        "3.12",
		"python_paths":                      paths,
		"python_paths_abstract":             map[string]string{},
		"python_exe":                        exeRel,
		"python_stdlib_test_packages":       opts.TestPackages,
		"python_suffixes": map[string][]string{
			"source":             {".py"},
			"bytecode":           {".pyc"},
			"debug_bytecode":     {".pyc"},
			"optimized_bytecode": {".pyc"},
			"extension":          {".cpython-312-x86_64-linux-gnu.so", ".abi3.so", ".so", ".pyd"},
		},
		"python_bytecode_magic_number":    "cb0d0d0a",
		"python_symbol_visibility":        opts.SymbolVisibility,
		"python_extension_module_loading": opts.ExtensionLoading,
		"libpython_link_mode":             opts.LinkMode,
		"crt_features":                    []string{"glibc-dynamic"},
		"run_tests":                       "build/run_tests.py",
		"build_info": map[string]any{
			"core":               core,
			"extensions":         extensions,
			"inittab_object":     "build/core/config.o",
			"inittab_source":     "build/core/config.c",
			"inittab_cflags":     []string{"-DNDEBUG"},
			"object_file_format": "elf",
		},
	}

	if opts.Licenses != nil {
		doc["licenses"] = opts.Licenses
		WriteFile(t, filepath.Join(python, "licenses/LICENSE.cpython.txt"), orDefault(opts.LicenseText, "PSF LICENSE"))
		doc["license_path"] = "licenses/LICENSE.cpython.txt"
	}

	if opts.TclFiles != nil {
		for rel, content := range opts.TclFiles {
			WriteFile(t, filepath.Join(python, tclRel, rel), content)
		}
		doc["tcl_library_path"] = tclRel
		doc["tcl_library_paths"] = []string{"tcl8.6"}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	WriteFile(t, filepath.Join(python, "PYTHON.json"), string(data))

	for _, name := range opts.RootEntries {
		WriteFile(t, filepath.Join(root, name), "unexpected")
	}

	return root
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
