package resources

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

var codingRe = regexp.MustCompile(`^[ \t\f]*#.*?coding[:=][ \t]*([-_.a-zA-Z0-9]+)`)

// Python spellings of ISO-8859-1. The HTML index maps these labels to
// windows-1252, which differs from Python in the 0x80-0x9f range.
var latin1Labels = map[string]bool{
	"latin-1":     true,
	"latin1":      true,
	"l1":          true,
	"iso-8859-1":  true,
	"iso8859-1":   true,
	"iso-latin-1": true,
	"8859":        true,
	"cp819":       true,
}

// SourceEncoding returns the encoding declared in the first two lines of
// Python source, or "utf-8".
func SourceEncoding(source []byte) string {
	lines := bytes.SplitN(source, []byte("\n"), 3)
	for i, line := range lines {
		if i > 1 {
			break
		}
		if m := codingRe.FindSubmatch(line); m != nil {
			return string(m[1])
		}
	}
	return "utf-8"
}

func lookupEncoding(label string) encoding.Encoding {
	norm := strings.ReplaceAll(strings.ToLower(label), "_", "-")
	if latin1Labels[norm] {
		return charmap.ISO8859_1
	}
	enc, err := htmlindex.Get(norm)
	if err != nil {
		return nil
	}
	return enc
}

// HasDunderFile reports whether the decoded source mentions __file__.
// Unknown encodings decode as UTF-8.
func HasDunderFile(source []byte) (bool, error) {
	enc := lookupEncoding(SourceEncoding(source))
	if enc == nil {
		return bytes.Contains(source, []byte("__file__")), nil
	}
	decoded, err := enc.NewDecoder().Bytes(source)
	if err != nil {
		return false, fmt.Errorf("decoding source: %w", err)
	}
	return bytes.Contains(decoded, []byte("__file__")), nil
}
