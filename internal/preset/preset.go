// Package preset discovers the driving-motion videos LivePortrait uses to
// animate a still portrait.
package preset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownPreset is returned by Path for names not in the catalog.
var ErrUnknownPreset = errors.New("unknown preset")

// Catalog is a directory of *.mp4 presets keyed by file stem.
type Catalog struct {
	dir string

	mu    sync.RWMutex
	paths map[string]string
}

// Discover scans dir for presets. A missing directory yields an empty
// catalog rather than an error so providers without presets still start.
func Discover(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, paths: map[string]string{}}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh rescans the catalog directory.
func (c *Catalog) Refresh() error {
	paths := map[string]string{}
	if c.dir != "" {
		entries, err := os.ReadDir(c.dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read presets dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".mp4") {
				continue
			}
			stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			paths[stem] = filepath.Join(c.dir, e.Name())
		}
	}

	c.mu.Lock()
	c.paths = paths
	c.mu.Unlock()
	return nil
}

// Dir returns the scanned directory.
func (c *Catalog) Dir() string { return c.dir }

// Names returns all preset names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.paths))
	for name := range c.paths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is a known preset.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.paths[name]
	return ok
}

// Path returns the file path for the named preset.
func (c *Catalog) Path(name string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.paths[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return p, nil
}

// Default returns the first preset by name, or "" for an empty catalog.
func (c *Catalog) Default() string {
	names := c.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
