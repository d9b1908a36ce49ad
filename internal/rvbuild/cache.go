package rvbuild

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// remoteStore is an optional second cache tier shared between machines.
type remoteStore interface {
	// Fetch downloads key into destPath and reports whether the key existed.
	Fetch(ctx context.Context, key, destPath string) (bool, error)
	// Push uploads srcPath under key.
	Push(ctx context.Context, key, srcPath string) error
}

// Cache maps (name, tag) pairs to compressed archives in the package cache
// directory. Entries are immutable: once an archive exists for a pair it is
// never rewritten, so a later fetch of the same pair never goes to the network.
type Cache struct {
	Dir    string
	Remote remoteStore // nil disables the mirror tier
	Push   bool        // upload newly stored archives to Remote
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{Dir: dir}
}

// cacheKey flattens name and tag into a single file name component.
// Both halves are query-escaped, so the '@' separator and '/' never appear
// inside them and distinct pairs never share a key.
func cacheKey(name, tag string) string {
	return url.QueryEscape(name) + "@" + url.QueryEscape(tag)
}

// Lookup returns the archive for (name, tag).
// An empty tag disables caching for the call and always reports a miss.
func (c *Cache) Lookup(ctx context.Context, name, tag string) (string, bool, error) {
	if tag == "" {
		return "", false, nil
	}
	base := filepath.Join(c.Dir, cacheKey(name, tag))
	for _, suffix := range archiveSuffixes {
		p := base + suffix
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			debugf("Cache hit: %s\n", p)
			return p, true, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", false, fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}

	if c.Remote == nil {
		return "", false, nil
	}
	return c.pull(ctx, name, tag)
}

// pull tries the remote tier. Mirror trouble is never fatal: the caller
// simply falls back to the upstream fetch.
func (c *Cache) pull(ctx context.Context, name, tag string) (string, bool, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create cache directory %s: %w", c.Dir, err)
	}
	key := cacheKey(name, tag) + archiveSuffixes[0]
	dest := filepath.Join(c.Dir, key)

	found, err := c.Remote.Fetch(ctx, key, dest)
	if err != nil {
		warnf("Mirror fetch of %s failed: %v", key, err)
		_ = os.Remove(dest)
		return "", false, nil
	}
	if !found {
		return "", false, nil
	}
	if _, err := c.Remote.Fetch(ctx, key+checksumSuffix, dest+checksumSuffix); err != nil {
		debugf("No checksum on mirror for %s: %v\n", key, err)
	}
	stepf("Pulled %s from mirror", key)
	return dest, true, nil
}

// Store archives dir as the entry for (name, tag) and returns the archive path.
// The archive is written atomically and followed by its BLAKE3 sidecar.
func (c *Cache) Store(ctx context.Context, name, tag, dir string) (string, error) {
	if tag == "" {
		return "", nil
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", c.Dir, err)
	}

	archive := filepath.Join(c.Dir, cacheKey(name, tag)+archiveSuffixes[0])
	if _, err := os.Stat(archive); err == nil {
		debugf("Cache entry %s already present, not rewriting\n", archive)
		return archive, nil
	}

	stepf("Caching %s@%s", name, tag)
	pf, err := renameio.NewPendingFile(archive, renameio.WithPermissions(0o644))
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", archive, err)
	}
	defer pf.Cleanup()

	if err := writeArchive(dir, name, pf); err != nil {
		return "", err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", archive, err)
	}
	if err := writeChecksum(archive); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", archive, err)
	}

	if c.Remote != nil && c.Push {
		key := filepath.Base(archive)
		if err := c.Remote.Push(ctx, key, archive); err != nil {
			warnf("Mirror upload of %s failed: %v", key, err)
		} else if err := c.Remote.Push(ctx, key+checksumSuffix, archive+checksumSuffix); err != nil {
			warnf("Mirror upload of %s failed: %v", key+checksumSuffix, err)
		}
	}
	return archive, nil
}

// Materialize verifies archive and extracts it into destRoot.
// Extraction targets the shared root directly, never a temporary location.
func (c *Cache) Materialize(archive, destRoot string) error {
	if err := verifyChecksum(archive); err != nil {
		return err
	}
	stepf("Restoring %s", filepath.Base(archive))
	return extractArchive(archive, destRoot)
}

// FilePath is the slot for a tagless single-file download called name.
func (c *Cache) FilePath(name string) string {
	return filepath.Join(c.Dir, "files", name)
}

// Entries lists the archive file names currently in the cache.
func (c *Cache) Entries() ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, suffix := range archiveSuffixes {
			if strings.HasSuffix(e.Name(), suffix) {
				names = append(names, e.Name())
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
