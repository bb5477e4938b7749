package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const tempPrefix = ".tmp-"

// DiskCache implements GenericCache for disk-based caching.
// Keys are relative file paths below the cache directory.
type DiskCache struct {
	cacheDir string
}

// NewGenericDisk creates a new disk cache rooted at cacheDir
func NewGenericDisk(cacheDir string) *DiskCache {
	return &DiskCache{
		cacheDir: cacheDir,
	}
}

func (d *DiskCache) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty cache key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cache key escapes cache directory: %s", key)
	}
	return filepath.Join(d.cacheDir, clean), nil
}

// Get retrieves a cached response if it exists
func (d *DiskCache) Get(key string) ([]byte, error) {
	cachePath, err := d.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a response in the cache
func (d *DiskCache) Set(key string, data []byte) error {
	cachePath, err := d.path(key)
	if err != nil {
		return err
	}

	// A deleted store stays deleted, late writers must not resurrect it
	if _, err := os.Stat(d.cacheDir); err != nil {
		return fmt.Errorf("cache directory unavailable: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Write to a temp file first so readers never see a partial entry
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, cachePath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	logrus.Debugf("Cached response: %s", cachePath)
	return nil
}

// Delete removes a cached response
func (d *DiskCache) Delete(key string) error {
	cachePath, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(cachePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Keys lists every cached entry, as slash-separated relative paths
func (d *DiskCache) Keys() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(d.cacheDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == d.cacheDir {
				return fs.SkipAll
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(d.cacheDir, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Init ensures the cache directory exists
func (d *DiskCache) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

// DiskStorage keeps one directory per store below its root folder
type DiskStorage struct {
	root string
}

// NewDiskStorage creates the root folder if needed
func NewDiskStorage(root string) (*DiskStorage, error) {
	if root == "" {
		return nil, errors.New("cache folder is empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &DiskStorage{root: root}, nil
}

func (s *DiskStorage) Open(name string) (GenericCache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	c := NewGenericDisk(filepath.Join(s.root, name))
	if err := c.Init(); err != nil {
		return nil, fmt.Errorf("failed to create store %s: %w", name, err)
	}
	return c, nil
}

func (s *DiskStorage) Names() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (s *DiskStorage) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, name))
}

func (s *DiskStorage) Close() error {
	return nil
}
