package embed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/frederic-klein/pyembed/internal/dist"
)

// Licensing is the set of licensed components in the binary.
type Licensing struct {
	components map[string]dist.LicensedComponent
}

func newLicensing() *Licensing {
	return &Licensing{components: make(map[string]dist.LicensedComponent)}
}

// Add records c, keyed by its flavor. A later component with the same
// flavor replaces the earlier one.
func (l *Licensing) Add(c dist.LicensedComponent) {
	l.components[c.Flavor.String()] = c
}

// Components returns the components sorted by flavor.
func (l *Licensing) Components() []dist.LicensedComponent {
	out := make([]dist.LicensedComponent, 0, len(l.components))
	for _, c := range l.components {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b dist.LicensedComponent) int {
		return strings.Compare(a.Flavor.String(), b.Flavor.String())
	})
	return out
}

// Unlicensed lists the flavors without license information.
func (l *Licensing) Unlicensed() []string {
	var out []string
	for _, c := range l.Components() {
		if c.Kind == dist.LicenseNone {
			out = append(out, c.Flavor.String())
		}
	}
	return out
}

// Text renders the licensing report written next to the binary.
func (l *Licensing) Text() string {
	var b strings.Builder
	b.WriteString("This binary embeds the following software components.\n")
	for _, c := range l.Components() {
		fmt.Fprintf(&b, "\n%s\n%s\n", c.Flavor, strings.Repeat("=", len(c.Flavor.String())))
		fmt.Fprintf(&b, "License: %s\n", c.Summary())
		if c.Homepage != "" {
			fmt.Fprintf(&b, "Homepage: %s\n", c.Homepage)
		}
		for _, text := range c.LicenseTexts {
			b.WriteString("\n")
			b.WriteString(strings.TrimRight(text, "\n"))
			b.WriteString("\n")
		}
	}
	return b.String()
}
