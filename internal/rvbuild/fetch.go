package rvbuild

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

// Fetcher retrieves pinned source trees and single files, consulting the cache first.
type Fetcher struct {
	Layout Layout
	Cache  *Cache
	Runner Runner

	// lookPath finds download helpers; nil means exec.LookPath.
	lookPath func(string) (string, error)
	// client is used when neither curl nor wget is usable; nil means newHTTPClient().
	client *http.Client
}

// NewFetcher returns a fetcher over layout's output root and package cache.
func NewFetcher(layout Layout, cache *Cache, r Runner) *Fetcher {
	return &Fetcher{Layout: layout, Cache: cache, Runner: r}
}

func (f *Fetcher) look(name string) (string, error) {
	if f.lookPath != nil {
		return f.lookPath(name)
	}
	return exec.LookPath(name)
}

// ClonePinned makes output/<name> hold a shallow checkout of repoURL at tag,
// including nested submodules, and returns its path.
//
// An existing empty directory at the destination is a leftover of an
// interrupted run and fails with ErrPartialState before the cache is touched.
// An existing populated directory is reused as is.
func (f *Fetcher) ClonePinned(ctx context.Context, repoURL, name, tag string) (string, error) {
	dest := f.Layout.SourceDir(name)

	if err := rejectPartialState(dest); err != nil {
		return "", err
	}
	if _, err := os.Stat(dest); err == nil {
		debugf("Reusing existing source tree %s\n", dest)
		return dest, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat %s: %w", dest, err)
	}

	archive, ok, err := f.Cache.Lookup(ctx, name, tag)
	if err != nil {
		return "", err
	}
	if ok {
		if err := f.Cache.Materialize(archive, f.Layout.Output); err != nil {
			return "", err
		}
		return dest, nil
	}

	if err := os.MkdirAll(f.Layout.Output, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", f.Layout.Output, err)
	}

	stepf("Cloning %s (%s)", name, tag)
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if tag != "" {
		args = append(args, "--branch", tag)
	}
	args = append(args, "--recurse-submodules", "--shallow-submodules", repoURL, dest)
	if err := runStage(f.Runner, "fetch "+name, exec.CommandContext(ctx, "git", args...)); err != nil {
		return "", err
	}

	sub := exec.CommandContext(ctx, "git", "submodule", "update", "--init", "--recursive", "--depth", "1")
	sub.Dir = dest
	if err := runStage(f.Runner, "fetch "+name, sub); err != nil {
		return "", err
	}

	if _, err := f.Cache.Store(ctx, name, tag, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// DownloadFile fetches url into the cache slot for name and returns its path.
// The slot is keyed only by name: once the file exists it is never downloaded again.
func (f *Fetcher) DownloadFile(ctx context.Context, url, name string) (string, error) {
	absPath := f.Cache.FilePath(name)

	if err := rejectPartialState(absPath); err != nil {
		return "", err
	}
	if info, err := os.Stat(absPath); err == nil {
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%w: %s is not a regular file", ErrPartialState, absPath)
		}
		debugf("Using cached %s\n", absPath)
		return absPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory for %s: %w", absPath, err)
	}
	lockPath := absPath + ".lock"

	lFile, err := os.Create(lockPath)
	if err != nil {
		return "", fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return "", fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Another process may have finished the same download while we waited.
	if _, err := os.Stat(absPath); err == nil {
		_ = os.Remove(lockPath)
		return absPath, nil
	}

	// Downloads land in a .part file so an interrupted transfer is never mistaken for a cached one.
	partPath := absPath + ".part"
	_ = os.Remove(partPath)

	stepf("Downloading %s", name)
	if err := f.download(ctx, url, partPath); err != nil {
		_ = os.Remove(partPath)
		return "", err
	}
	if err := os.Rename(partPath, absPath); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	_ = os.Remove(lockPath)
	return absPath, nil
}

// download tries curl, then wget, then the native HTTP client.
func (f *Fetcher) download(ctx context.Context, url, dest string) error {
	// --- Primary Choice: curl ---
	if _, err := f.look("curl"); err == nil {
		cmd := exec.CommandContext(ctx, "curl", "-L", "--fail", "-#", "-o", dest, url)
		if err := f.Runner.Run(cmd); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return newStageError("download", cmd, err)
		}
		debugf("curl failed, falling back to wget\n")
	} else {
		debugf("curl not found, trying wget\n")
	}

	// --- Fallback 1: wget ---
	if _, err := f.look("wget"); err == nil {
		cmd := exec.CommandContext(ctx, "wget", "-nv", "-O", dest, url)
		if err := f.Runner.Run(cmd); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return newStageError("download", cmd, err)
		}
		debugf("wget failed, falling back to native Go HTTP client\n")
	} else {
		debugf("wget not found, using native Go HTTP client\n")
	}

	// --- Fallback 2: native Go HTTP client ---
	return f.httpGet(ctx, url, dest)
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{Transport: transport}
}

func (f *Fetcher) httpGet(ctx context.Context, url, dest string) error {
	client := f.client
	if client == nil {
		client = newHTTPClient()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid download url %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed with status: %s", url, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}

	bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(url))
	_, err = io.Copy(io.MultiWriter(out, bar), resp.Body)
	_ = bar.Finish()
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return out.Close()
}
