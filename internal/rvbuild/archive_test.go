package rvbuild

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	hdr  tar.Header
	body string
}

// writeTarZst hand-builds a .tar.zst archive the way a seeded or mirrored
// cache entry would arrive, without a checksum sidecar.
func writeTarZst(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		hdr := e.hdr
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(&hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
}

func TestMaterializeRejectsWritesThroughSymlinks(t *testing.T) {
	base := t.TempDir()
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	dest := filepath.Join(base, "output")
	archive := filepath.Join(base, "pkgcache", "evil@v1.tar.zst")

	writeTarZst(t, archive, []tarEntry{
		{hdr: tar.Header{Name: "evil/", Typeflag: tar.TypeDir, Mode: 0o755}},
		{hdr: tar.Header{Name: "evil/esc", Typeflag: tar.TypeSymlink, Linkname: outside}},
		{hdr: tar.Header{Name: "evil/esc/planted", Typeflag: tar.TypeReg}, body: "owned\n"},
	})

	err := NewCache(filepath.Dir(archive)).Materialize(archive, dest)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(outside, "planted"))
}

func TestMaterializeRejectsEscapingHardLinks(t *testing.T) {
	base := t.TempDir()
	secret := filepath.Join(base, "secret")
	writeFile(t, secret, "do not share\n", 0o600)
	dest := filepath.Join(base, "a", "output")
	archive := filepath.Join(base, "pkgcache", "evil@v1.tar.zst")

	writeTarZst(t, archive, []tarEntry{
		{hdr: tar.Header{Name: "evil/", Typeflag: tar.TypeDir, Mode: 0o755}},
		{hdr: tar.Header{Name: "evil/secret", Typeflag: tar.TypeLink, Linkname: "../../secret"}},
	})

	err := NewCache(filepath.Dir(archive)).Materialize(archive, dest)
	require.ErrorIs(t, err, ErrCorruptArchive)
	assert.NoFileExists(t, filepath.Join(dest, "evil", "secret"))
}

func TestMaterializeRejectsParentPaths(t *testing.T) {
	base := t.TempDir()
	dest := filepath.Join(base, "output")
	archive := filepath.Join(base, "pkgcache", "evil@v1.tar.zst")

	writeTarZst(t, archive, []tarEntry{
		{hdr: tar.Header{Name: "../planted", Typeflag: tar.TypeReg}, body: "owned\n"},
	})

	err := NewCache(filepath.Dir(archive)).Materialize(archive, dest)
	require.ErrorIs(t, err, ErrCorruptArchive)
	assert.NoFileExists(t, filepath.Join(base, "planted"))
}

func TestMaterializeKeepsInternalLinks(t *testing.T) {
	base := t.TempDir()
	dest := filepath.Join(base, "output")
	archive := filepath.Join(base, "pkgcache", "gcc@v1.tar.zst")

	writeTarZst(t, archive, []tarEntry{
		{hdr: tar.Header{Name: "gcc/", Typeflag: tar.TypeDir, Mode: 0o755}},
		{hdr: tar.Header{Name: "gcc/lib/", Typeflag: tar.TypeDir, Mode: 0o755}},
		{hdr: tar.Header{Name: "gcc/lib/libgcc.a", Typeflag: tar.TypeReg}, body: "archive\n"},
		{hdr: tar.Header{Name: "gcc/lib64", Typeflag: tar.TypeSymlink, Linkname: "lib"}},
		{hdr: tar.Header{Name: "gcc/libgcc-copy.a", Typeflag: tar.TypeLink, Linkname: "gcc/lib/libgcc.a"}},
	})

	require.NoError(t, NewCache(filepath.Dir(archive)).Materialize(archive, dest))

	target, err := os.Readlink(filepath.Join(dest, "gcc", "lib64"))
	require.NoError(t, err)
	assert.Equal(t, "lib", target)

	data, err := os.ReadFile(filepath.Join(dest, "gcc", "libgcc-copy.a"))
	require.NoError(t, err)
	assert.Equal(t, "archive\n", string(data))
}
