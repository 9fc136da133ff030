package convert

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLoader is an Evaluator whose Execute returns a fixed value.
type stubLoader struct {
	result any
}

func (s *stubLoader) Ready() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *stubLoader) Err() error         { return nil }
func (s *stubLoader) Execute(string) any { return s.result }
func (s *stubLoader) Terminate()         {}

const testLookup = `id,rps,bps,psp,standard
1,stone,10,st,stone
2,dirt,21,dr,dirt
3,water,30,wa,water
`

// testExtractors maps dialect string ids to dialect numerics.
var testExtractors = map[string]any{
	"rps": map[string]any{"stone": 5, "dirt": 6, "water": 7},
	"bps": map[string]any{"10": 1, "21": 2, "30": 3},
	"psp": map[string]any{"st": 9, "dr": 8}, // water unmapped on purpose
}

func buildTestConverter(t *testing.T) *Converter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pixels.csv")
	require.NoError(t, os.WriteFile(path, []byte(testLookup), 0o644))

	dialects := []Dialect{{ID: "rps"}, {ID: "bps"}, {ID: "psp"}}
	conv, err := Build(context.Background(), path, dialects, func(d Dialect) (Evaluator, error) {
		return &stubLoader{result: testExtractors[d.ID]}, nil
	})
	require.NoError(t, err)
	return conv
}

func TestFormats(t *testing.T) {
	conv := buildTestConverter(t)
	assert.Equal(t, []string{"rps", "bps", "psp"}, conv.Formats())
	assert.True(t, conv.Known("standard"))
	assert.False(t, conv.Known("xyz"))
}

func TestConvertSingle(t *testing.T) {
	conv := buildTestConverter(t)

	// stone: rps 5 ↔ canonical 1 ↔ bps 1 ↔ psp 9
	assert.Equal(t, byte(1), conv.ConvertSingle(5, "rps", "bps"))
	assert.Equal(t, byte(5), conv.ConvertSingle(1, "bps", "rps"))
	assert.Equal(t, byte(1), conv.ConvertSingle(5, "rps", "standard"))
	assert.Equal(t, byte(5), conv.ConvertSingle(1, "standard", "rps"))

	// Same dialect is the identity, mapped or not.
	assert.Equal(t, byte(200), conv.ConvertSingle(200, "rps", "rps"))

	// Unknown dialect and unmapped ids yield the sentinel.
	assert.Equal(t, Sentinel, conv.ConvertSingle(5, "nope", "rps"))
	assert.Equal(t, Sentinel, conv.ConvertSingle(5, "rps", "nope"))
	assert.Equal(t, Sentinel, conv.ConvertSingle(250, "rps", "bps"))
	// water has no psp id.
	assert.Equal(t, Sentinel, conv.ConvertSingle(7, "rps", "psp"))
}

func TestConvertSingleRoundTrip(t *testing.T) {
	conv := buildTestConverter(t)
	dialects := []string{"rps", "bps", "standard"}
	for _, from := range dialects {
		for _, to := range dialects {
			for b := 0; b < 256; b++ {
				mid := conv.ConvertSingle(byte(b), from, to)
				if mid == Sentinel {
					continue
				}
				back := conv.ConvertSingle(mid, to, from)
				assert.Equal(t, byte(b), back, "round trip %s→%s for %d", from, to, b)
			}
		}
	}
}

func TestConvertStr(t *testing.T) {
	conv := buildTestConverter(t)
	assert.Equal(t, "10", conv.ConvertStr("stone", "rps", "bps"))
	assert.Equal(t, "stone", conv.ConvertStr("10", "bps", "standard"))
	assert.Equal(t, "dr", conv.ConvertStr("dirt", "standard", "psp"))
	assert.Equal(t, "null", conv.ConvertStr("lava", "rps", "bps"))
	assert.Equal(t, "null", conv.ConvertStr("stone", "rps", "nope"))
	assert.Equal(t, "null", conv.ConvertStr("water", "rps", "psp"))
}

func TestConvertGrid(t *testing.T) {
	conv := buildTestConverter(t)

	// Header 0b10100000: cells 1 and 3 are bare ids, cells 2, 4..8
	// carry an extra byte each.
	grid := []byte{
		0xA0,
		5,        // bare: stone
		6, 0x42,  // dirt + extra byte
		7,        // bare: water
		5, 0x01,  // stone + extra
		6, 0x02,  // dirt + extra
		5, 0x03,
		6, 0x04,
		7, 0x05,
	}
	out := conv.ConvertGrid(grid, "rps", "bps")

	require.Len(t, out, len(grid))
	assert.Equal(t, grid[0], out[0], "flag byte must be preserved")
	assert.Equal(t, byte(1), out[1])  // stone → bps 1
	assert.Equal(t, byte(2), out[2])  // dirt → bps 2
	assert.Equal(t, byte(0x42), out[3], "extra byte untouched")
	assert.Equal(t, byte(3), out[4])  // water → bps 3
	assert.Equal(t, byte(1), out[5])
	assert.Equal(t, byte(0x01), out[6])
}

func TestConvertGridMultiFrame(t *testing.T) {
	conv := buildTestConverter(t)

	// Two frames: all-bare, then all-paired.
	grid := []byte{
		0xFF, 5, 6, 7, 5, 6, 7, 5, 6,
		0x00, 5, 1, 6, 2,
	}
	out := conv.ConvertGrid(grid, "rps", "bps")
	require.Len(t, out, len(grid))
	assert.Equal(t, byte(0xFF), out[0])
	assert.Equal(t, byte(0x00), out[9])
	assert.Equal(t, byte(1), out[10])
	assert.Equal(t, byte(1), out[11], "count byte untouched")
	assert.Equal(t, byte(2), out[12])
}

func TestConvertGridSameDialect(t *testing.T) {
	conv := buildTestConverter(t)
	grid := []byte{0x80, 5, 6, 0x10}
	out := conv.ConvertGrid(grid, "rps", "rps")
	assert.Equal(t, grid, out)
	assert.NotSame(t, &grid[0], &out[0], "must be a copy")
}

func TestUnsupportedDialectStub(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pixels.csv")
	require.NoError(t, os.WriteFile(path, []byte(testLookup), 0o644))

	// An extractor stub returning a constant leaves the dialect fully
	// sentinel-mapped instead of failing the build.
	conv, err := Build(context.Background(), path, []Dialect{{ID: "rps"}, {ID: "bps"}}, func(d Dialect) (Evaluator, error) {
		if d.ID == "bps" {
			return &stubLoader{result: 1}, nil
		}
		return &stubLoader{result: testExtractors["rps"]}, nil
	})
	require.NoError(t, err)
	assert.Contains(t, conv.Formats(), "bps")
	assert.Equal(t, Sentinel, conv.ConvertSingle(5, "rps", "bps"))
}

func TestNumericAndStringID(t *testing.T) {
	conv := buildTestConverter(t)
	assert.Equal(t, byte(5), conv.NumericID("rps", 1))
	s, ok := conv.StringID("bps", 2)
	require.True(t, ok)
	assert.Equal(t, "21", s)
	_, ok = conv.StringID("psp", 3)
	assert.False(t, ok)

	c, ok := conv.CanonicalOf("21", "bps")
	require.True(t, ok)
	assert.Equal(t, byte(2), c)
}
