// Package resindex computes a digest over the resource directories attached
// to a space (skills, prompts, attachments) and watches them for changes.
// The digest feeds the session fingerprint: when resources change, the next
// turn rebuilds its backend session so the new files are visible.
package resindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// HashDirs digests the file tree under each dir: relative path, size, and
// mtime per file. Content is not read; a same-size in-place rewrite within
// one mtime granule is missed, which is acceptable for rebuild detection.
func HashDirs(dirs []string) (string, error) {
	var entries []string
	for _, dir := range dirs {
		root, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolving resource dir: %w", err)
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			entries = append(entries, fmt.Sprintf("%s\x00%d\x00%d", rel, info.Size(), info.ModTime().UnixNano()))
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("walking resource dir %s: %w", dir, err)
		}
	}
	sort.Strings(entries)

	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)[:8]), nil
}
