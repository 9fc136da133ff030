package convert

// Sentinel is the reserved "unknown/unmapped" canonical pixel id.
const Sentinel byte = 255

// Standard is the canonical identity dialect.
const Standard = "standard"

// table holds one dialect's translations. All four views are immutable
// after Build.
type table struct {
	fromNum [256]byte // dialect numeric → canonical
	toNum   [256]byte // canonical → dialect numeric
	fromStr map[string]byte
	toStr   [256]string
}

func newTable() *table {
	t := &table{fromStr: make(map[string]byte)}
	for i := range t.fromNum {
		t.fromNum[i] = Sentinel
		t.toNum[i] = Sentinel
	}
	return t
}

// Converter translates pixel ids between client dialects through the
// canonical id space. Tables are immutable after Build, so all
// operations are safe for unsynchronized concurrent readers.
type Converter struct {
	tables map[string]*table
	order  []string // dialect ids in configuration order

	stdFromStr map[string]byte
	stdToStr   [256]string
}

// Formats returns every loaded dialect id, excluding "standard".
func (c *Converter) Formats() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Known reports whether d is "standard" or a loaded dialect.
func (c *Converter) Known(d string) bool {
	if d == Standard {
		return true
	}
	_, ok := c.tables[d]
	return ok
}

// ConvertSingle translates one numeric pixel id. Unknown dialects and
// unmapped ids yield the sentinel. Constant-time, no allocation.
func (c *Converter) ConvertSingle(n byte, from, to string) byte {
	if from == to {
		return n
	}
	canonical := n
	if from != Standard {
		ft, ok := c.tables[from]
		if !ok {
			return Sentinel
		}
		canonical = ft.fromNum[n]
	}
	if canonical == Sentinel || to == Standard {
		return canonical
	}
	tt, ok := c.tables[to]
	if !ok {
		return Sentinel
	}
	return tt.toNum[canonical]
}

// ConvertStr translates one string pixel id, returning "null" when
// either dialect is unknown or the id is unmapped.
func (c *Converter) ConvertStr(id, from, to string) string {
	if from == to {
		return id
	}
	var canonical byte
	if from == Standard {
		b, ok := c.stdFromStr[id]
		if !ok {
			return "null"
		}
		canonical = b
	} else {
		ft, ok := c.tables[from]
		if !ok {
			return "null"
		}
		b, ok := ft.fromStr[id]
		if !ok {
			return "null"
		}
		canonical = b
	}
	var out string
	if to == Standard {
		out = c.stdToStr[canonical]
	} else if tt, ok := c.tables[to]; ok {
		out = tt.toStr[canonical]
	}
	if out == "" {
		return "null"
	}
	return out
}

// CanonicalOf resolves a dialect string id to its canonical numeric id.
func (c *Converter) CanonicalOf(id, from string) (byte, bool) {
	if from == Standard {
		b, ok := c.stdFromStr[id]
		return b, ok
	}
	ft, ok := c.tables[from]
	if !ok {
		return Sentinel, false
	}
	b, ok := ft.fromStr[id]
	return b, ok
}

// StringID returns dialect d's string id for a canonical pixel id.
func (c *Converter) StringID(d string, canonical byte) (string, bool) {
	var s string
	if d == Standard {
		s = c.stdToStr[canonical]
	} else if t, ok := c.tables[d]; ok {
		s = t.toStr[canonical]
	}
	return s, s != ""
}

// NumericID returns dialect d's numeric id for a canonical pixel id.
func (c *Converter) NumericID(d string, canonical byte) byte {
	if d == Standard {
		return canonical
	}
	t, ok := c.tables[d]
	if !ok {
		return Sentinel
	}
	return t.toNum[canonical]
}

// ConvertGrid translates every pixel-id byte of a packed grid, copying
// counts and flag bytes verbatim. The stream is a sequence of frames:
// one header byte, then up to 8 cells; header bit k (MSB first) set
// means the cell is a bare pixel-id byte, clear means the id byte is
// followed by one extra byte. Output length always equals input length.
func (c *Converter) ConvertGrid(grid []byte, from, to string) []byte {
	out := make([]byte, len(grid))
	if from == to {
		copy(out, grid)
		return out
	}
	i := 0
	for i < len(grid) {
		header := grid[i]
		out[i] = header
		i++
		for bit := 0; bit < 8 && i < len(grid); bit++ {
			out[i] = c.ConvertSingle(grid[i], from, to)
			i++
			if header&(0x80>>bit) == 0 && i < len(grid) {
				out[i] = grid[i]
				i++
			}
		}
	}
	return out
}
