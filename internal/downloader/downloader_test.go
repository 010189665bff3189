package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestDownloader_Download_SingleFile(t *testing.T) {
	// Arrange
	content := "distribution archive"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	dl := NewDownloader(2, cacheDir, nil)
	destPath := filepath.Join(cacheDir, "cpython.tar.zst")

	jobs := []Job{{
		URL:      server.URL + "/cpython.tar.zst",
		DestPath: destPath,
		SHA256:   digest(content),
	}}

	// Act
	results := dl.Download(context.Background(), jobs)

	// Assert
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Error != nil {
		t.Errorf("Download() error = %v", results[0].Error)
	}
	if results[0].Cached {
		t.Error("fresh download reported as cached")
	}

	data, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(data) != content {
		t.Errorf("file content = %q, want %q", data, content)
	}
}

func TestDownloader_Download_Cached(t *testing.T) {
	tests := []struct {
		name         string
		sha          string
		wantRequests int32
		wantContent  string
	}{
		{name: "no checksum", sha: "", wantRequests: 0, wantContent: "cached"},
		{name: "matching checksum", sha: digest("cached"), wantRequests: 0, wantContent: "cached"},
		{name: "stale checksum", sha: digest("new content"), wantRequests: 1, wantContent: "new content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange: Pre-create the file
			cacheDir := t.TempDir()
			destPath := filepath.Join(cacheDir, "cached.tar.gz")
			if err := os.WriteFile(destPath, []byte("cached"), 0644); err != nil {
				t.Fatal(err)
			}

			var requests atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.Write([]byte("new content"))
			}))
			defer server.Close()

			dl := NewDownloader(1, cacheDir, nil)
			jobs := []Job{{URL: server.URL + "/cached.tar.gz", DestPath: destPath, SHA256: tt.sha}}

			// Act
			results := dl.Download(context.Background(), jobs)

			// Assert
			if results[0].Error != nil {
				t.Errorf("Download() error = %v", results[0].Error)
			}
			if got := requests.Load(); got != tt.wantRequests {
				t.Errorf("server was called %d times, want %d", got, tt.wantRequests)
			}
			data, _ := os.ReadFile(destPath)
			if string(data) != tt.wantContent {
				t.Errorf("file content = %q, want %q", data, tt.wantContent)
			}
		})
	}
}

func TestDownloader_Download_ChecksumMismatch(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	destPath := filepath.Join(cacheDir, "cpython.tar.zst")
	dl := NewDownloader(1, cacheDir, nil)

	// Act
	results := dl.Download(context.Background(), []Job{{
		URL:      server.URL + "/cpython.tar.zst",
		DestPath: destPath,
		SHA256:   digest("original"),
	}})

	// Assert
	if !errors.Is(results[0].Error, ErrChecksumMismatch) {
		t.Errorf("Download() error = %v, want ErrChecksumMismatch", results[0].Error)
	}
	if _, err := os.Stat(destPath); !os.IsNotExist(err) {
		t.Error("unverified content was kept")
	}
	if _, err := os.Stat(destPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file was kept")
	}
}

func TestDownloader_Download_HTTPError(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	dl := NewDownloader(1, cacheDir, nil)
	jobs := []Job{{
		URL:      server.URL + "/notfound.tar.gz",
		DestPath: filepath.Join(cacheDir, "notfound.tar.gz"),
	}}

	// Act
	results := dl.Download(context.Background(), jobs)

	// Assert
	if results[0].Error == nil {
		t.Error("Download() should return error for 404")
	}
}

func TestDownloader_Download_ResultsInJobOrder(t *testing.T) {
	// Arrange: the first job is the slowest so workers finish out of order.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/file1.tar.gz" {
			time.Sleep(50 * time.Millisecond)
		}
		w.Write([]byte("content for " + r.URL.Path))
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	dl := NewDownloader(3, cacheDir, nil)

	jobs := []Job{
		{URL: server.URL + "/file1.tar.gz", DestPath: filepath.Join(cacheDir, "file1.tar.gz")},
		{URL: server.URL + "/file2.tar.gz", DestPath: filepath.Join(cacheDir, "file2.tar.gz")},
		{URL: server.URL + "/file3.tar.gz", DestPath: filepath.Join(cacheDir, "file3.tar.gz")},
	}

	// Act
	results := dl.Download(context.Background(), jobs)

	// Assert
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Error != nil {
			t.Errorf("Download(%s) error = %v", r.Job.URL, r.Error)
		}
		if r.Job.URL != jobs[i].URL {
			t.Errorf("results[%d] is for %s, want %s", i, r.Job.URL, jobs[i].URL)
		}
	}
}

func TestDownloader_Download_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewDownloader(1, cacheDir, nil).Download(ctx, []Job{{
		URL:      server.URL + "/x.tar.gz",
		DestPath: filepath.Join(cacheDir, "x.tar.gz"),
	}})

	if !errors.Is(results[0].Error, context.Canceled) {
		t.Errorf("Download() error = %v, want context.Canceled", results[0].Error)
	}
}

func TestDownloader_Download_CreatesSubdirectories(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	dl := NewDownloader(1, cacheDir, nil)
	destPath := filepath.Join(cacheDir, "3.12", "x86_64-unknown-linux-gnu", "cpython.tar.zst")

	// Act
	results := dl.Download(context.Background(), []Job{{URL: server.URL + "/cpython.tar.zst", DestPath: destPath}})

	// Assert
	if results[0].Error != nil {
		t.Errorf("Download() error = %v", results[0].Error)
	}
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		t.Error("file was not created with subdirectories")
	}
}

func TestDownloader_CachePath(t *testing.T) {
	dl := NewDownloader(1, "/home/user/.cache/pyembed", nil)

	got := dl.CachePath("https://example.com/releases/cpython-3.12.3-x86_64.tar.zst")
	want := "/home/user/.cache/pyembed/cpython-3.12.3-x86_64.tar.zst"

	if got != want {
		t.Errorf("CachePath() = %q, want %q", got, want)
	}
}
