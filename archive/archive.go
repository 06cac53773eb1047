// Package archive exposes a directory of backup archives for serving.
// Names are bare filenames with a whitelisted archive extension; anything
// that smells like path traversal is rejected before touching the disk.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidName = errors.New("invalid archive name")
	ErrNotFound    = errors.New("archive not found")
)

// allowedSuffixes are the recognized backup archive formats. Order does
// not matter; longer suffixes like .tar.gz are matched as a whole.
var allowedSuffixes = []string{
	".tar.gz",
	".tar.bz2",
	".tar.xz",
	".tar.zst",
	".tgz",
	".zip",
}

const maxNameLen = 255

// Info describes one archive in a listing.
type Info struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store serves archives out of a single root directory.
type Store struct {
	root string
}

// NewStore validates that root exists and is a directory.
func NewStore(root string) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("archive root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive root %s is not a directory", root)
	}
	return &Store{root: root}, nil
}

// Root returns the archive directory path.
func (s *Store) Root() string {
	return s.root
}

// ValidateName reports whether name may refer to a servable archive.
// It never consults the filesystem.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return ErrInvalidName
	}
	if strings.HasPrefix(name, ".") {
		return ErrInvalidName
	}
	for _, suffix := range allowedSuffixes {
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return nil
		}
	}
	return ErrInvalidName
}

// List returns the servable archives, newest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:    entry.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModTime.After(infos[j].ModTime)
	})
	return infos, nil
}

// Open validates the name and opens the archive for streaming. The
// caller closes the file.
func (s *Store) Open(name string) (*os.File, os.FileInfo, error) {
	if err := ValidateName(name); err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open archive: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, nil, ErrInvalidName
	}
	return f, fi, nil
}
