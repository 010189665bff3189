package resources

import (
	"fmt"
	"strings"
)

// AbstractLocation is where a resource may be loaded from, without the
// filesystem prefix.
type AbstractLocation int

const (
	AbstractInMemory AbstractLocation = iota
	AbstractRelativePath
)

func (l AbstractLocation) String() string {
	if l == AbstractRelativePath {
		return "relative-path"
	}
	return "in-memory"
}

const relativePrefix = "filesystem-relative:"

// ConcreteLocation is a resource location with its relative-path prefix.
// The zero value is in-memory.
type ConcreteLocation struct {
	relative bool
	prefix   string
}

// InMemory is the concrete in-memory location.
var InMemory = ConcreteLocation{}

// RelativePath returns a location relative to the binary under prefix.
func RelativePath(prefix string) ConcreteLocation {
	return ConcreteLocation{relative: true, prefix: prefix}
}

// IsRelative reports whether the location is on the filesystem.
func (l ConcreteLocation) IsRelative() bool { return l.relative }

// Prefix returns the relative-path prefix, empty for in-memory.
func (l ConcreteLocation) Prefix() string { return l.prefix }

// Abstract drops the prefix.
func (l ConcreteLocation) Abstract() AbstractLocation {
	if l.relative {
		return AbstractRelativePath
	}
	return AbstractInMemory
}

func (l ConcreteLocation) String() string {
	if l.relative {
		return relativePrefix + l.prefix
	}
	return "in-memory"
}

// ParseLocation reads the textual form produced by String.
func ParseLocation(s string) (ConcreteLocation, error) {
	if s == "in-memory" {
		return InMemory, nil
	}
	kind, prefix, ok := strings.Cut(s, ":")
	if !ok || kind+":" != relativePrefix {
		return ConcreteLocation{}, fmt.Errorf("%s is not a valid resource location", s)
	}
	return RelativePath(prefix), nil
}

// MarshalText implements encoding.TextMarshaler.
func (l ConcreteLocation) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ConcreteLocation) UnmarshalText(b []byte) error {
	parsed, err := ParseLocation(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
