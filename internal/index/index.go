// Package index lists the prebuilt interpreter distributions that can be
// fetched and embedded.
package index

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/frederic-klein/pyembed/internal/distribution"
)

const cacheTTL = 24 * time.Hour

//go:embed distributions.yaml
var defaultRecords []byte

// Record describes one downloadable distribution.
type Record struct {
	PythonMajorMinorVersion          string `yaml:"python_major_minor_version"`
	URL                              string `yaml:"url"`
	SHA256                           string `yaml:"sha256,omitempty"`
	TargetTriple                     string `yaml:"target_triple"`
	SupportsPrebuiltExtensionModules bool   `yaml:"supports_prebuilt_extension_modules"`
}

// Filename is the archive name at the end of the URL.
func (r Record) Filename() string {
	return path.Base(r.URL)
}

type document struct {
	Distributions []Record `yaml:"distributions"`
}

// Index holds distribution records. Later records with the same version,
// triple and URL file name replace earlier ones.
type Index struct {
	records []Record
	client  *http.Client
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{client: &http.Client{}}
}

// DefaultIndex returns the records shipped with pyembed.
func DefaultIndex() (*Index, error) {
	idx := NewIndex()
	if err := idx.Parse(defaultRecords); err != nil {
		return nil, fmt.Errorf("parsing built-in index: %w", err)
	}
	return idx, nil
}

// Parse merges the records of a YAML document into the index.
func (idx *Index) Parse(data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for i, r := range doc.Distributions {
		if r.PythonMajorMinorVersion == "" || r.URL == "" || r.TargetTriple == "" {
			return fmt.Errorf("record %d: version, url and target_triple are required", i)
		}
		idx.add(r)
	}
	return nil
}

func (idx *Index) add(r Record) {
	for i, existing := range idx.records {
		if existing.PythonMajorMinorVersion == r.PythonMajorMinorVersion &&
			existing.TargetTriple == r.TargetTriple &&
			existing.Filename() == r.Filename() {
			idx.records[i] = r
			return
		}
	}
	idx.records = append(idx.records, r)
}

// LoadFile merges records from a YAML file.
func (idx *Index) LoadFile(p string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("reading index file: %w", err)
	}
	if err := idx.Parse(data); err != nil {
		return fmt.Errorf("parsing index file %s: %w", p, err)
	}
	return nil
}

// LoadURL merges records from a remote YAML document, cached in cacheDir
// for a day.
func (idx *Index) LoadURL(ctx context.Context, url, cacheDir string) error {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	cacheFile := filepath.Join(cacheDir, "index-"+path.Base(url))

	if !isCacheValid(cacheFile) {
		if err := idx.download(ctx, url, cacheFile); err != nil {
			return err
		}
	}
	return idx.LoadFile(cacheFile)
}

func isCacheValid(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < cacheTTL
}

func (idx *Index) download(ctx context.Context, url, cacheFile string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := idx.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading index: HTTP %d", resp.StatusCode)
	}

	outFile, err := os.Create(cacheFile)
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, resp.Body); err != nil {
		outFile.Close()
		os.Remove(cacheFile)
		return fmt.Errorf("writing cache file: %w", err)
	}
	return outFile.Close()
}

// Records returns every record sorted by version then triple.
func (idx *Index) Records() []Record {
	out := slices.Clone(idx.records)
	slices.SortStableFunc(out, func(a, b Record) int {
		if c := strings.Compare(a.PythonMajorMinorVersion, b.PythonMajorMinorVersion); c != 0 {
			return c
		}
		return strings.Compare(a.TargetTriple, b.TargetTriple)
	})
	return out
}

// majorMinor turns "3.12.3" into "3.12".
func majorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}

// Lookup finds a distribution for version running on host. A record built
// for host wins over one merely compatible with it.
func (idx *Index) Lookup(version, host string) (Record, bool) {
	want := majorMinor(version)
	var compatible *Record
	for i := len(idx.records) - 1; i >= 0; i-- {
		r := idx.records[i]
		if r.PythonMajorMinorVersion != want {
			continue
		}
		if r.TargetTriple == host {
			return r, true
		}
		if compatible == nil && slices.Contains(distribution.CompatibleHostTriples(r.TargetTriple), host) {
			compatible = &r
		}
	}
	if compatible != nil {
		return *compatible, true
	}
	return Record{}, false
}
