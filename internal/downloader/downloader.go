// Package downloader fetches distribution archives in parallel.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrChecksumMismatch is returned when downloaded content does not match
// the expected SHA-256 digest.
var ErrChecksumMismatch = errors.New("sha256 mismatch")

// Job represents a download job.
type Job struct {
	URL      string
	DestPath string
	// SHA256 is the expected hex digest. Empty skips verification.
	SHA256 string
}

// Result represents a download result.
type Result struct {
	Job   Job
	Error error
	// Cached is set when an existing file satisfied the job.
	Cached bool
}

// Downloader handles parallel HTTP downloads.
type Downloader struct {
	workers  int
	cacheDir string
	client   *http.Client
	logger   *zap.Logger
}

// NewDownloader creates a new downloader with the specified number of workers.
func NewDownloader(workers int, cacheDir string, logger *zap.Logger) *Downloader {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		workers:  workers,
		cacheDir: cacheDir,
		client:   &http.Client{},
		logger:   logger,
	}
}

// Download downloads multiple files in parallel. Results are returned in
// job order.
func (d *Downloader) Download(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		for i, job := range jobs {
			results[i] = Result{Job: job, Error: err}
		}
		return results
	}

	indexes := make(chan int, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				job := jobs[idx]
				cached, err := d.downloadOne(ctx, job)
				results[idx] = Result{Job: job, Error: err, Cached: cached}
			}
		}()
	}

	for i := range jobs {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	return results
}

func fileDigest(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (d *Downloader) downloadOne(ctx context.Context, job Job) (bool, error) {
	want := strings.ToLower(job.SHA256)

	// Check if already cached
	if _, err := os.Stat(job.DestPath); err == nil {
		if want == "" {
			return true, nil
		}
		got, err := fileDigest(job.DestPath)
		if err == nil && got == want {
			return true, nil
		}
		d.logger.Warn("cached archive failed verification; downloading again", zap.String("path", job.DestPath))
	}

	// Ensure destination directory exists
	if err := os.MkdirAll(filepath.Dir(job.DestPath), 0755); err != nil {
		return false, fmt.Errorf("creating directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return false, fmt.Errorf("building request for %s: %w", job.URL, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("downloading %s: %w", job.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("downloading %s: HTTP %d", job.URL, resp.StatusCode)
	}

	// Write to temp file first, then rename
	tmpPath := job.DestPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return false, fmt.Errorf("creating file: %w", err)
	}

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, h), resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("writing file: %w", err)
	}

	if want != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			os.Remove(tmpPath)
			return false, fmt.Errorf("verifying %s: got %s, want %s: %w", job.URL, got, want, ErrChecksumMismatch)
		}
	}

	if err := os.Rename(tmpPath, job.DestPath); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("renaming file: %w", err)
	}

	d.logger.Info("downloaded archive", zap.String("url", job.URL), zap.String("path", job.DestPath))
	return false, nil
}

// CacheDir returns the cache directory.
func (d *Downloader) CacheDir() string {
	return d.cacheDir
}

// CachePath returns the cache path for an archive URL.
func (d *Downloader) CachePath(url string) string {
	return filepath.Join(d.cacheDir, filepath.Base(url))
}
