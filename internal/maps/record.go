package maps

// Run is one run-length entry: Count consecutive cells of the same id.
// For pixel data the id is a canonical pixel id; for placeable grids it
// is 0/1; for team grids it is a team index.
type Run struct {
	ID    byte
	Count int
}

// Canonical is the dialect-neutral form of one map.
type Canonical struct {
	Data      []Run    // canonical pixel ids
	Placeable [2][]Run // boolean runs per team
	Team      []Run    // team-index runs
}

// Record is one parsed map.
type Record struct {
	ID        string
	Mode      string
	Width     int
	Height    int
	Canonical Canonical
	Scripts   map[string]string // event → controller path
}

// mapFile is the on-disk JSON shape of a map. Data fields are encoded in
// the dialect named by Format.
type mapFile struct {
	Format        string            `json:"format"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	Data          string            `json:"data"`
	PlaceableData [2]string         `json:"placeableData"`
	TeamData      string            `json:"teamData"`
	RotationData  string            `json:"rotationData,omitempty"`
	Scripts       map[string]string `json:"scripts,omitempty"`
}

// EncodedMap is one map re-serialized into a target dialect.
type EncodedMap struct {
	Format        string            `json:"format"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	Data          string            `json:"data"`
	PlaceableData [2]string         `json:"placeableData"`
	TeamData      string            `json:"teamData"`
	RotationData  string            `json:"rotationData,omitempty"`
	Scripts       map[string]string `json:"scripts,omitempty"`
}

// expandRuns flattens runs to one id per cell.
func expandRuns(runs []Run) []byte {
	n := 0
	for _, r := range runs {
		n += r.Count
	}
	out := make([]byte, 0, n)
	for _, r := range runs {
		for i := 0; i < r.Count; i++ {
			out = append(out, r.ID)
		}
	}
	return out
}

// collapseRuns run-length encodes a flat cell stream.
func collapseRuns(cells []byte) []Run {
	var out []Run
	for _, c := range cells {
		if n := len(out); n > 0 && out[n-1].ID == c {
			out[n-1].Count++
			continue
		}
		out = append(out, Run{ID: c, Count: 1})
	}
	return out
}

func runLen(runs []Run) int {
	n := 0
	for _, r := range runs {
		n += r.Count
	}
	return n
}
