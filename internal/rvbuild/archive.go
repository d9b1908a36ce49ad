package rvbuild

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// archiveSuffixes lists the cache archive formats in lookup preference order.
// Only .tar.zst is ever written; the others can be seeded by hand.
var archiveSuffixes = []string{".tar.zst", ".tar.xz", ".tar.gz"}

// writeArchive streams srcDir as a zstd-compressed tar into out.
// Every entry is rooted at prefix/ so extraction recreates <dest>/<prefix>.
func writeArchive(srcDir, prefix string, out io.Writer) error {
	zw, err := zstd.NewWriter(out, zstd.WithEncoderConcurrency(runtime.NumCPU()))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))
		if info.IsDir() {
			name += "/"
		}
		hdr.Name = name
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		// Only copy file contents for regular files
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if walkErr != nil {
		tw.Close()
		zw.Close()
		return fmt.Errorf("failed to add %s to archive: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// openArchive returns a decompressing reader chosen by the archive suffix.
func openArchive(archivePath string) (io.Reader, func(), error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}

	switch {
	case strings.HasSuffix(archivePath, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, archivePath, err)
		}
		return zr, func() { zr.Close(); f.Close() }, nil
	case strings.HasSuffix(archivePath, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, archivePath, err)
		}
		return xr, func() { f.Close() }, nil
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, archivePath, err)
		}
		return gz, func() { gz.Close(); f.Close() }, nil
	default:
		f.Close()
		return nil, nil, fmt.Errorf("unsupported archive format: %s", archivePath)
	}
}

// extractArchive unpacks archivePath below dest, preserving modes, symlinks
// and modification times. Stream and header errors are reported as ErrCorruptArchive.
// Every write goes through an os.Root, so neither "../" names nor symlinks
// planted by earlier entries can reach outside dest.
func extractArchive(archivePath, dest string) error {
	r, closeFn, err := openArchive(archivePath)
	if err != nil {
		return err
	}
	defer closeFn()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dest, err)
	}
	defer root.Close()

	// Directory modes and times are applied last: creating children would
	// otherwise bump mtimes, and read-only directories would block writes.
	type dirMeta struct {
		name  string
		mode  os.FileMode
		mtime time.Time
	}
	var dirs []dirMeta

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrCorruptArchive, archivePath, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if !filepath.IsLocal(name) {
			return fmt.Errorf("%w: illegal path %q in %s", ErrCorruptArchive, hdr.Name, archivePath)
		}

		if dir := filepath.Dir(name); dir != "." {
			if err := root.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir for %s: %w", name, err)
			}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", name, err)
			}
			dirs = append(dirs, dirMeta{name, os.FileMode(hdr.Mode).Perm(), hdr.ModTime})
		case tar.TypeReg:
			if err := writeEntry(tr, root, name, os.FileMode(hdr.Mode).Perm()); err != nil {
				// Filesystem failures carry a *fs.PathError; anything else came from the stream.
				var pathErr *fs.PathError
				if !errors.As(err, &pathErr) {
					return fmt.Errorf("%w: entry %s in %s: %v", ErrCorruptArchive, hdr.Name, archivePath, err)
				}
				return err
			}
			if err := root.Chtimes(name, hdr.ModTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", name, err)
			}
		case tar.TypeSymlink:
			_ = root.Remove(name)
			if err := root.Symlink(hdr.Linkname, name); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", name, hdr.Linkname, err)
			}
			tv := unix.NsecToTimeval(hdr.ModTime.UnixNano())
			if err := unix.Lutimes(filepath.Join(dest, name), []unix.Timeval{tv, tv}); err != nil {
				debugf("Warning: failed to set times for symlink %s: %v (continuing)\n", name, err)
			}
		case tar.TypeLink:
			linkSrc := filepath.Clean(filepath.FromSlash(hdr.Linkname))
			if !filepath.IsLocal(linkSrc) {
				return fmt.Errorf("%w: illegal hard link %q -> %q in %s", ErrCorruptArchive, hdr.Name, hdr.Linkname, archivePath)
			}
			_ = root.Remove(name)
			if err := root.Link(linkSrc, name); err != nil {
				return fmt.Errorf("failed to create hard link %s -> %s: %w", name, linkSrc, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := root.Chmod(d.name, d.mode); err != nil {
			return fmt.Errorf("failed to set mode for dir %s: %w", d.name, err)
		}
		if err := root.Chtimes(d.name, d.mtime, d.mtime); err != nil {
			return fmt.Errorf("failed to set times for dir %s: %w", d.name, err)
		}
	}
	return nil
}

// writeEntry copies one regular file out of the tar stream with an exact mode.
func writeEntry(r io.Reader, root *os.Root, name string, mode os.FileMode) error {
	_ = root.Remove(name)
	out, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// Chmod sidesteps the umask so the extracted mode matches the cached one.
	return root.Chmod(name, mode)
}
