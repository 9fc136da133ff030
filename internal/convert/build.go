package convert

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dialect describes one client dialect and the extractor used to obtain
// its stringID→numericID mapping from a remote source file.
type Dialect struct {
	ID          string
	ScriptURL   string
	FallbackURL string
	Extractor   string
}

// Evaluator is the ScriptLoader collaborator: an isolated evaluation
// context over one loaded source file.
type Evaluator interface {
	Ready() <-chan struct{}
	Err() error
	Execute(expression string) any
	Terminate()
}

// LoaderFactory starts one Evaluator for a dialect's script source.
type LoaderFactory func(d Dialect) (Evaluator, error)

// Build reads the authoritative lookup table and, concurrently per
// dialect, awaits that dialect's script loader and runs its extractor
// to populate the translation tables. A dialect whose extractor does
// not yield a map is kept with an empty table: every translation
// through it is the sentinel.
func Build(ctx context.Context, lookupPath string, dialects []Dialect, factory LoaderFactory) (*Converter, error) {
	rows, headers, err := readLookup(lookupPath)
	if err != nil {
		return nil, err
	}

	c := &Converter{
		tables:     make(map[string]*table, len(dialects)),
		stdFromStr: make(map[string]byte),
	}
	stdCol, ok := headers["standard"]
	if !ok {
		return nil, fmt.Errorf("convert: lookup table has no standard column")
	}
	for _, row := range rows {
		c.stdToStr[row.canonical] = row.cols[stdCol]
		c.stdFromStr[row.cols[stdCol]] = row.canonical
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range dialects {
		d := d
		col, ok := headers[d.ID]
		if !ok {
			return nil, fmt.Errorf("convert: lookup table has no column for dialect %q", d.ID)
		}
		g.Go(func() error {
			t, err := buildDialect(ctx, d, col, rows, factory)
			if err != nil {
				return err
			}
			mu.Lock()
			c.tables[d.ID] = t
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, d := range dialects {
		c.order = append(c.order, d.ID)
	}
	return c, nil
}

func buildDialect(ctx context.Context, d Dialect, col int, rows []lookupRow, factory LoaderFactory) (*table, error) {
	loader, err := factory(d)
	if err != nil {
		return nil, fmt.Errorf("convert: starting loader for %s: %w", d.ID, err)
	}
	defer loader.Terminate()
	select {
	case <-loader.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := loader.Err(); err != nil {
		return nil, fmt.Errorf("convert: loading %s script: %w", d.ID, err)
	}

	t := newTable()
	result := loader.Execute(d.Extractor)
	mapping, ok := asStringNumberMap(result)
	if !ok {
		// Unsupported dialect stub (see pixel lookup scripts): keep it
		// listed but fully sentinel-mapped.
		slog.Warn("convert: extractor did not yield a pixel map", "dialect", d.ID, "got", fmt.Sprintf("%T", result))
		return t, nil
	}
	for _, row := range rows {
		str := row.cols[col]
		num, ok := mapping[str]
		if !ok {
			continue
		}
		t.fromNum[num] = row.canonical
		t.toNum[row.canonical] = num
		t.fromStr[str] = row.canonical
		t.toStr[row.canonical] = str
	}
	return t, nil
}

// asStringNumberMap coerces an extractor result into stringID→byte.
func asStringNumberMap(v any) (map[string]byte, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]byte, len(m))
	for k, raw := range m {
		var n int
		switch x := raw.(type) {
		case int:
			n = x
		case int64:
			n = int(x)
		case float64:
			n = int(x)
		default:
			continue
		}
		if n < 0 || n > 255 {
			continue
		}
		out[k] = byte(n)
	}
	return out, true
}

type lookupRow struct {
	canonical byte
	cols      []string
}

// readLookup parses the CSV lookup table: a header row naming each
// dialect column, then one row per canonical id.
func readLookup(path string) ([]lookupRow, map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("convert: opening lookup table: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("convert: parsing lookup table: %w", err)
	}
	if len(records) < 2 {
		return nil, nil, fmt.Errorf("convert: lookup table is empty")
	}

	headers := make(map[string]int, len(records[0])-1)
	for i, name := range records[0][1:] {
		headers[name] = i
	}

	rows := make([]lookupRow, 0, len(records)-1)
	for lineNo, rec := range records[1:] {
		id, err := strconv.Atoi(rec[0])
		if err != nil || id < 0 || id > 255 {
			return nil, nil, fmt.Errorf("convert: bad canonical id %q at row %d", rec[0], lineNo+2)
		}
		rows = append(rows, lookupRow{canonical: byte(id), cols: rec[1:]})
	}
	return rows, headers, nil
}
