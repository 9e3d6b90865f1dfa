package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Usage is the on-disk footprint of the catalog database and the vector index.
type Usage struct {
	DatabaseBytes int64 `json:"database_bytes"`
	IndexBytes    int64 `json:"index_bytes"`
}

// Total returns the combined size.
func (u Usage) Total() int64 {
	return u.DatabaseBytes + u.IndexBytes
}

// DiskUsage sums the database file with its WAL sidecars and every file under indexPath.
// Missing paths count as zero.
func DiskUsage(dbPath, indexPath string) (Usage, error) {
	var u Usage
	if dbPath != "" && dbPath != ":memory:" {
		for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
			n, err := pathSize(p)
			if err != nil {
				return Usage{}, err
			}
			u.DatabaseBytes += n
		}
	}
	if indexPath != "" {
		n, err := pathSize(indexPath)
		if err != nil {
			return Usage{}, err
		}
		u.IndexBytes = n
	}
	return u, nil
}

func pathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
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
