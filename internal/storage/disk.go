package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Footprint is the on-disk size of the index artifacts reported by status.
type Footprint struct {
	Total  int64            `json:"total_bytes"`
	ByPath map[string]int64 `json:"by_path"`
}

// DiskFootprint sums the sizes of the given files or directories (recursively).
// Empty or missing paths contribute 0; walk errors are returned.
func DiskFootprint(paths ...string) (*Footprint, error) {
	fp := &Footprint{ByPath: make(map[string]int64, len(paths))}
	for _, p := range paths {
		if p == "" {
			continue
		}
		n, err := pathSize(p)
		if err != nil {
			return nil, err
		}
		fp.ByPath[p] = n
		fp.Total += n
	}
	return fp, nil
}

func pathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
