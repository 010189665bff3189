package policy

import "slices"

var linuxTargetTriples = []string{
	"aarch64-unknown-linux-gnu",
	"x86_64-unknown-linux-gnu",
	"x86_64-unknown-linux-musl",
}

var macOSTargetTriples = []string{
	"aarch64-apple-darwin",
	"x86_64-apple-darwin",
}

var windowsTargetTriples = []string{
	"i686-pc-windows-gnu",
	"i686-pc-windows-msvc",
	"x86_64-pc-windows-gnu",
	"x86_64-pc-windows-msvc",
}

// Extensions with linking issues. They are never packaged.
var brokenExtensionsLinux = []string{
	"_crypt",
	"nis",
}

var brokenExtensionsMacOS = []string{
	"curses",
	"_curses_panel",
	"readline",
}

// Stdlib modules whose source is not valid Python and cannot be compiled.
var noBytecodeModules = []string{
	"lib2to3.tests.data.bom",
	"lib2to3.tests.data.crlf",
	"lib2to3.tests.data.different_encoding",
	"lib2to3.tests.data.false_encoding",
	"lib2to3.tests.data.py2_test_grammar",
	"lib2to3.tests.data.py3_test_grammar",
	"test.bad_coding",
	"test.badsyntax_3131",
	"test.badsyntax_future3",
	"test.badsyntax_future4",
	"test.badsyntax_future5",
	"test.badsyntax_future6",
	"test.badsyntax_future7",
	"test.badsyntax_future8",
	"test.badsyntax_future9",
	"test.badsyntax_future10",
	"test.badsyntax_pep3120",
}

// LinuxTargetTriples lists the supported Linux targets.
func LinuxTargetTriples() []string { return slices.Clone(linuxTargetTriples) }

// MacOSTargetTriples lists the supported macOS targets.
func MacOSTargetTriples() []string { return slices.Clone(macOSTargetTriples) }

// WindowsTargetTriples lists the supported Windows targets.
func WindowsTargetTriples() []string { return slices.Clone(windowsTargetTriples) }

// BrokenExtensionsLinux lists extensions that fail to link on Linux.
func BrokenExtensionsLinux() []string { return slices.Clone(brokenExtensionsLinux) }

// BrokenExtensionsMacOS lists extensions that fail to link on macOS.
func BrokenExtensionsMacOS() []string { return slices.Clone(brokenExtensionsMacOS) }

// NoBytecodeModules lists stdlib modules that have no valid bytecode.
func NoBytecodeModules() []string { return slices.Clone(noBytecodeModules) }

// IsWindowsTarget reports whether triple is a supported Windows target.
func IsWindowsTarget(triple string) bool {
	return slices.Contains(windowsTargetTriples, triple)
}
