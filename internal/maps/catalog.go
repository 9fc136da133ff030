package maps

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pixsim/server/internal/convert"
)

// Catalog holds every parsed map, keyed by game mode and map id, and
// serves per-dialect re-encodings on demand. Records are immutable
// after Load; encodings are memoized.
type Catalog struct {
	conv    *convert.Converter
	records map[string]map[string]*Record // mode → id → record

	mu      sync.Mutex
	encoded map[string]*EncodedMap // mode/id/format → encoding
}

// Load scans dir, one subdirectory per game mode, and parses every map
// file. A file that fails to parse is logged and skipped.
func Load(dir string, conv *convert.Converter) (*Catalog, error) {
	c := &Catalog{
		conv:    conv,
		records: make(map[string]map[string]*Record),
		encoded: make(map[string]*EncodedMap),
	}
	modes, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("maps: scanning %s: %w", dir, err)
	}
	for _, mode := range modes {
		if !mode.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, mode.Name()))
		if err != nil {
			return nil, fmt.Errorf("maps: scanning %s: %w", mode.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			path := filepath.Join(dir, mode.Name(), f.Name())
			rec, err := c.parseFile(path, mode.Name())
			if err != nil {
				slog.Warn("maps: skipping map", "path", path, "err", err)
				continue
			}
			if c.records[rec.Mode] == nil {
				c.records[rec.Mode] = make(map[string]*Record)
			}
			c.records[rec.Mode][rec.ID] = rec
		}
	}
	total := 0
	for _, byID := range c.records {
		total += len(byID)
	}
	slog.Info("maps: catalog loaded", "modes", len(c.records), "maps", total)
	return c, nil
}

func (c *Catalog) parseFile(path, mode string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf mapFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if mf.Width <= 0 || mf.Height <= 0 {
		return nil, fmt.Errorf("bad dimensions %dx%d", mf.Width, mf.Height)
	}
	canonical, err := decode(&mf, c.conv)
	if err != nil {
		return nil, err
	}
	if got := runLen(canonical.Data); got != mf.Width*mf.Height {
		return nil, fmt.Errorf("data covers %d cells, want %d", got, mf.Width*mf.Height)
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Record{
		ID:        id,
		Mode:      mode,
		Width:     mf.Width,
		Height:    mf.Height,
		Canonical: canonical,
		Scripts:   mf.Scripts,
	}, nil
}

// List returns the sorted map ids for a game mode.
func (c *Catalog) List(mode string) []string {
	byID, ok := c.records[mode]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether a map exists.
func (c *Catalog) Has(mode, id string) bool {
	_, ok := c.records[mode][id]
	return ok
}

// Get returns a map re-encoded into format, or nil when the map or
// format is unknown.
func (c *Catalog) Get(mode, id, format string) *EncodedMap {
	rec, ok := c.records[mode][id]
	if !ok || !c.conv.Known(format) {
		return nil
	}
	key := mode + "/" + id + "/" + format

	c.mu.Lock()
	defer c.mu.Unlock()
	if em, ok := c.encoded[key]; ok {
		return em
	}
	em, err := encode(rec, format, c.conv)
	if err != nil {
		slog.Warn("maps: encode failed", "map", key, "err", err)
		return nil
	}
	c.encoded[key] = em
	return em
}
