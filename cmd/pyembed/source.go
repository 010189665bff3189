package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/frederic-klein/pyembed/internal/distribution"
	"github.com/frederic-klein/pyembed/internal/downloader"
	"github.com/frederic-klein/pyembed/internal/extractor"
	"github.com/frederic-klein/pyembed/internal/index"
)

var (
	goos   = runtime.GOOS
	goarch = runtime.GOARCH
)

var hostTriples = map[string]string{
	"linux/amd64":   "x86_64-unknown-linux-gnu",
	"linux/arm64":   "aarch64-unknown-linux-gnu",
	"darwin/amd64":  "x86_64-apple-darwin",
	"darwin/arm64":  "aarch64-apple-darwin",
	"windows/amd64": "x86_64-pc-windows-msvc",
	"windows/386":   "i686-pc-windows-msvc",
}

func hostTriple(goos, goarch string) (string, error) {
	triple, ok := hostTriples[goos+"/"+goarch]
	if !ok {
		return "", fmt.Errorf("no known target triple for %s/%s; pass --target", goos, goarch)
	}
	return triple, nil
}

var archiveSuffixes = []string{".tar.zst", ".tar.gz", ".tar.xz", ".tzst", ".tgz", ".txz", ".tar"}

// extractDir is where an archive is unpacked under the cache.
func extractDir(cacheDir, archive string) string {
	base := filepath.Base(archive)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	return filepath.Join(cacheDir, "distributions", base)
}

// resolveSource turns a directory, an archive or nothing (index lookup)
// into an extracted distribution directory.
func resolveSource(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return fetchDistribution(ctx)
	}

	info, err := os.Stat(args[0])
	if err != nil {
		return "", fmt.Errorf("reading distribution source: %w", err)
	}
	if info.IsDir() {
		return args[0], nil
	}

	dir := extractDir(settings.CacheDir, args[0])
	if err := extractor.NewExtractor(logger).Extract(args[0], dir); err != nil {
		return "", err
	}
	return dir, nil
}

func loadIndex(ctx context.Context) (*index.Index, error) {
	idx, err := index.DefaultIndex()
	if err != nil {
		return nil, err
	}
	for _, f := range settings.Index.Files {
		if err := idx.LoadFile(f); err != nil {
			return nil, err
		}
	}
	if settings.Index.URL != "" {
		if err := idx.LoadURL(ctx, settings.Index.URL, settings.CacheDir); err != nil {
			return nil, fmt.Errorf("loading index %s: %w", settings.Index.URL, err)
		}
	}
	return idx, nil
}

func fetchDistribution(ctx context.Context) (string, error) {
	idx, err := loadIndex(ctx)
	if err != nil {
		return "", err
	}

	triple := settings.Python.TargetTriple
	if triple == "" {
		if triple, err = hostTriple(goos, goarch); err != nil {
			return "", err
		}
	}
	rec, ok := idx.Lookup(settings.Python.Version, triple)
	if !ok {
		return "", fmt.Errorf("no distribution of Python %s for %s in the index", settings.Python.Version, triple)
	}
	logger.Debug("selected distribution", zap.String("url", rec.URL), zap.String("target", rec.TargetTriple))

	dl := downloader.NewDownloader(settings.Workers, filepath.Join(settings.CacheDir, "archives"), logger)
	job := downloader.Job{URL: rec.URL, DestPath: dl.CachePath(rec.URL), SHA256: rec.SHA256}
	if rec.SHA256 == "" {
		logger.Warn("index record has no checksum; archive is not verified", zap.String("url", rec.URL))
	}
	result := dl.Download(ctx, []downloader.Job{job})[0]
	if result.Error != nil {
		return "", result.Error
	}

	dir := extractDir(settings.CacheDir, job.DestPath)
	if err := extractor.NewExtractor(logger).Extract(job.DestPath, dir); err != nil {
		return "", err
	}
	return dir, nil
}

func loadDistribution(ctx context.Context, args []string) (*distribution.Distribution, error) {
	dir, err := resolveSource(ctx, args)
	if err != nil {
		return nil, err
	}
	d, err := distribution.FromDirectory(dir)
	if err != nil {
		return nil, fmt.Errorf("loading distribution from %s: %w", dir, err)
	}
	return d, nil
}
