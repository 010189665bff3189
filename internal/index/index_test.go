package index

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIndex_Lookup(t *testing.T) {
	idx, err := DefaultIndex()
	require.NoError(t, err)

	tests := []struct {
		name       string
		version    string
		host       string
		wantFound  bool
		wantTriple string
	}{
		{name: "exact triple", version: "3.12", host: "x86_64-unknown-linux-gnu", wantFound: true, wantTriple: "x86_64-unknown-linux-gnu"},
		{name: "patch version", version: "3.12.3", host: "aarch64-apple-darwin", wantFound: true, wantTriple: "aarch64-apple-darwin"},
		{name: "compatible host", version: "3.12", host: "x86_64-pc-windows-gnu", wantFound: true, wantTriple: "x86_64-pc-windows-msvc"},
		{name: "older version", version: "3.11", host: "x86_64-unknown-linux-gnu", wantFound: true, wantTriple: "x86_64-unknown-linux-gnu"},
		{name: "unknown version", version: "2.7", host: "x86_64-unknown-linux-gnu"},
		{name: "unknown host", version: "3.12", host: "riscv64-unknown-linux-gnu"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			rec, ok := idx.Lookup(tt.version, tt.host)

			// Assert
			assert.Equal(t, tt.wantFound, ok)
			if tt.wantFound {
				assert.Equal(t, tt.wantTriple, rec.TargetTriple)
				assert.Contains(t, rec.URL, "https://")
			}
		})
	}
}

func TestIndex_Lookup_PrefersExactTriple(t *testing.T) {
	// Arrange: the musl record is compatible with a gnu host but listed last.
	idx := NewIndex()
	require.NoError(t, idx.Parse([]byte(`
distributions:
  - python_major_minor_version: "3.12"
    url: https://example.com/gnu.tar.zst
    target_triple: x86_64-unknown-linux-gnu
  - python_major_minor_version: "3.12"
    url: https://example.com/musl.tar.zst
    target_triple: x86_64-unknown-linux-musl
`)))

	// Act
	rec, ok := idx.Lookup("3.12", "x86_64-unknown-linux-gnu")

	// Assert
	require.True(t, ok)
	assert.Equal(t, "gnu.tar.zst", rec.Filename())
}

func TestIndex_LoadFile_Merges(t *testing.T) {
	// Arrange
	idx, err := DefaultIndex()
	require.NoError(t, err)
	before := len(idx.Records())

	p := filepath.Join(t.TempDir(), "extra.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
distributions:
  - python_major_minor_version: "3.12"
    url: https://mirror.example.com/cpython-3.12.3+20240415-x86_64-unknown-linux-gnu-pgo+lto-full.tar.zst
    sha256: abc123
    target_triple: x86_64-unknown-linux-gnu
    supports_prebuilt_extension_modules: true
  - python_major_minor_version: "3.13"
    url: https://mirror.example.com/cpython-3.13.tar.zst
    target_triple: x86_64-unknown-linux-gnu
`), 0644))

	// Act
	err = idx.LoadFile(p)

	// Assert
	require.NoError(t, err)
	assert.Len(t, idx.Records(), before+1, "same archive replaces its record")

	rec, ok := idx.Lookup("3.12", "x86_64-unknown-linux-gnu")
	require.True(t, ok)
	assert.Equal(t, "abc123", rec.SHA256)
	assert.Contains(t, rec.URL, "mirror.example.com")

	_, ok = idx.Lookup("3.13.0", "x86_64-unknown-linux-gnu")
	assert.True(t, ok)
}

func TestIndex_Parse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "missing url", data: "distributions:\n  - python_major_minor_version: \"3.12\"\n    target_triple: x\n", wantErr: "record 0: version, url and target_triple are required"},
		{name: "bad yaml", data: "distributions: [", wantErr: "yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewIndex().Parse([]byte(tt.data))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIndex_Records_Sorted(t *testing.T) {
	idx, err := DefaultIndex()
	require.NoError(t, err)

	recs := idx.Records()

	require.NotEmpty(t, recs)
	assert.Equal(t, "3.11", recs[0].PythonMajorMinorVersion)
	for i := 1; i < len(recs); i++ {
		prev, cur := recs[i-1], recs[i]
		if prev.PythonMajorMinorVersion == cur.PythonMajorMinorVersion {
			assert.LessOrEqual(t, prev.TargetTriple, cur.TargetTriple)
		}
	}
}

func TestIndex_LoadURL_UsesCache(t *testing.T) {
	// Arrange
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`
distributions:
  - python_major_minor_version: "3.13"
    url: https://example.com/cpython-3.13.tar.zst
    target_triple: aarch64-apple-darwin
`))
	}))
	defer server.Close()
	cacheDir := t.TempDir()

	// Act
	idx := NewIndex()
	require.NoError(t, idx.LoadURL(context.Background(), server.URL+"/index.yaml", cacheDir))
	require.NoError(t, NewIndex().LoadURL(context.Background(), server.URL+"/index.yaml", cacheDir))

	// Assert
	assert.Equal(t, int32(1), requests.Load())
	_, ok := idx.Lookup("3.13", "aarch64-apple-darwin")
	assert.True(t, ok)
	assert.FileExists(t, filepath.Join(cacheDir, "index-index.yaml"))
}

func TestIndex_LoadURL_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewIndex().LoadURL(context.Background(), server.URL+"/index.yaml", t.TempDir())

	assert.EqualError(t, err, "downloading index: HTTP 500")
}
