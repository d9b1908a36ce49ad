package rvbuild

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

const checksumSuffix = ".b3"

// fileChecksum returns the hex BLAKE3-256 digest of the file at path.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeChecksum records the digest of path in path.b3.
func writeChecksum(path string) error {
	sum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+checksumSuffix, []byte(sum+"\n"), 0o644)
}

// verifyChecksum compares path against its .b3 sidecar.
// Archives without a sidecar (hand-seeded ones) are accepted as they are.
func verifyChecksum(path string) error {
	want, err := os.ReadFile(path + checksumSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			debugf("No checksum for %s, skipping verification\n", path)
			return nil
		}
		return err
	}
	got, err := fileChecksum(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(want)) != got {
		return fmt.Errorf("%w: %s: checksum mismatch (want %s, got %s)",
			ErrCorruptArchive, path, strings.TrimSpace(string(want)), got)
	}
	return nil
}
