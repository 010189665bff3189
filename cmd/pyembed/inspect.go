package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/frederic-klein/pyembed/internal/distribution"
	"github.com/frederic-klein/pyembed/internal/embed"
	"github.com/frederic-klein/pyembed/internal/policy"
)

func runInspect(cmd *cobra.Command, args []string) error {
	d, err := loadDistribution(cmd.Context(), args)
	if err != nil {
		return err
	}
	p := embed.CreatePackagingPolicy(d)
	if err := settings.Packaging.Apply(p); err != nil {
		return fmt.Errorf("applying packaging settings: %w", err)
	}
	return writeSummary(cmd.OutOrStdout(), d, p)
}

func writeSummary(w io.Writer, d *distribution.Distribution, p *policy.Policy) error {
	header := color.New(color.Bold, color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	field := func(label, value string) {
		gray.Fprintf(w, "  %-20s", label)
		fmt.Fprintln(w, value)
	}

	header.Fprintln(w, "Distribution")
	field("directory", d.BaseDir)
	field("implementation", d.PythonImplementation+" "+d.Version)
	field("target", d.TargetTriple)
	field("compatible hosts", strings.Join(d.CompatibleHostTriples(), ", "))
	if tag, err := d.PlatformCompatibilityTag(); err == nil {
		field("platform tag", tag)
	}
	field("link mode", d.LinkMode.String())
	field("extension loading", strings.Join(d.ExtensionModuleLoading, ", "))
	field("stdlib modules", fmt.Sprint(len(d.PyModules)))
	field("extension modules", fmt.Sprint(len(d.ExtensionModules)))
	if len(d.Licenses) > 0 {
		field("licenses", strings.Join(d.Licenses, ", "))
	}

	fmt.Fprintln(w)
	header.Fprintln(w, "Packaging policy")
	location := p.ResourcesLocation.String()
	if p.ResourcesLocationFallback != nil {
		location += " (fallback " + p.ResourcesLocationFallback.String() + ")"
	}
	field("resources", location)
	field("in-memory extensions", fmt.Sprint(p.AllowInMemorySharedLibraryLoading && d.SupportsInMemorySharedLibraryLoading()))
	field("bytecode levels", fmt.Sprint(p.BytecodeLevels()))

	var broken []string
	for _, name := range slices.Sorted(maps.Keys(d.ExtensionModules)) {
		if p.IsBrokenExtension(d.TargetTriple, name) {
			broken = append(broken, name)
		}
	}
	if len(broken) > 0 {
		yellow.Fprintf(w, "  %-20s%s\n", "broken extensions", strings.Join(broken, ", "))
	}
	return nil
}
