// Package fingerprint computes deterministic BLAKE3 content fingerprints
// for files and directory trees.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// FileEntry describes one regular file inside a fingerprinted tree. Path is
// relative to the tree root with forward slashes.
type FileEntry struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Hash      string `json:"hash"`
}

// Summary is the result of fingerprinting a directory tree.
type Summary struct {
	Fingerprint string      `json:"fingerprint"`
	TotalBytes  int64       `json:"total_bytes"`
	FileCount   int         `json:"file_count"`
	Files       []FileEntry `json:"files"`
}

// HashFile returns the hex BLAKE3 hash of a single file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Directory walks root, hashes every regular file, and folds the per-file
// records into one tree fingerprint. Records are folded in lexicographic
// relative-path order so the result is independent of walk order and
// filesystem. Empty directories and symlinks do not contribute.
func Directory(root string) (*Summary, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path %q is not a directory", root)
	}

	var files []FileEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		hash, err := HashFile(path)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{
			Path:      filepath.ToSlash(rel),
			SizeBytes: fi.Size(),
			Hash:      hash,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	sum := &Summary{Files: files, FileCount: len(files)}
	fold := blake3.New()
	for _, f := range files {
		fmt.Fprintf(fold, "%s\x00%d\x00%s\x00", f.Path, f.SizeBytes, f.Hash)
		sum.TotalBytes += f.SizeBytes
	}
	sum.Fingerprint = hex.EncodeToString(fold.Sum(nil))
	return sum, nil
}
