package maps

import (
	"fmt"
	"strconv"
	"strings"

	"pixsim/server/internal/convert"
)

// decode parses a map file's dialect-specific fields into canonical form.
func decode(mf *mapFile, conv *convert.Converter) (Canonical, error) {
	switch mf.Format {
	case "rps":
		return decodeRPS(mf, conv)
	case "bps":
		return decodeBPS(mf, conv)
	case "psp":
		return decodePSP(mf, conv)
	default:
		return Canonical{}, fmt.Errorf("unknown map format %q", mf.Format)
	}
}

// decodeRPS parses `id-count:…` pixel runs (count base-16), alternating
// 0/1 placeable counts (base-16), and `teamIdx-count:…` team runs.
func decodeRPS(mf *mapFile, conv *convert.Converter) (Canonical, error) {
	var c Canonical
	runs, err := parseRuns(mf.Data, ":", "-", 16, 10)
	if err != nil {
		return c, fmt.Errorf("data: %w", err)
	}
	for _, r := range runs {
		c.Data = append(c.Data, Run{ID: conv.ConvertSingle(r.ID, "rps", convert.Standard), Count: r.Count})
	}
	for i, pd := range mf.PlaceableData {
		p, err := parseAlternating(pd, 16)
		if err != nil {
			return c, fmt.Errorf("placeableData[%d]: %w", i, err)
		}
		c.Placeable[i] = p
	}
	c.Team, err = parseRuns(mf.TeamData, ":", "-", 16, 10)
	if err != nil {
		return c, fmt.Errorf("teamData: %w", err)
	}
	return c, nil
}

// decodeBPS expands the parallel pixel and rotation base-36 run streams
// to flat cell arrays, pairs them, and resolves each `pixel+rotation`
// string through the bps string table.
func decodeBPS(mf *mapFile, conv *convert.Converter) (Canonical, error) {
	var c Canonical
	pixels, err := parseStrRuns(mf.Data, ":", "-", 36)
	if err != nil {
		return c, fmt.Errorf("data: %w", err)
	}
	rotations, err := parseStrRuns(mf.RotationData, ":", "-", 36)
	if err != nil {
		return c, fmt.Errorf("rotationData: %w", err)
	}
	flatPix := expandStrRuns(pixels)
	flatRot := expandStrRuns(rotations)
	want := mf.Width * mf.Height
	if len(flatPix) != want || len(flatRot) != want {
		return c, fmt.Errorf("expanded %d pixels, %d rotations, want %d", len(flatPix), len(flatRot), want)
	}
	cells := make([]byte, want)
	for i := range cells {
		id, ok := conv.CanonicalOf(flatPix[i]+flatRot[i], "bps")
		if !ok {
			id = convert.Sentinel
		}
		cells[i] = id
	}
	c.Data = collapseRuns(cells)

	for i, pd := range mf.PlaceableData {
		p, err := parseRuns(pd, ":", "-", 36, 36)
		if err != nil {
			return c, fmt.Errorf("placeableData[%d]: %w", i, err)
		}
		c.Placeable[i] = p
	}
	c.Team, err = parseRuns(mf.TeamData, ":", "-", 36, 36)
	if err != nil {
		return c, fmt.Errorf("teamData: %w", err)
	}
	return c, nil
}

// decodePSP parses `id~count|…` base-36 runs. A backtick-prefixed suffix
// on an id is discarded. This dialect carries no placeable or team grid.
func decodePSP(mf *mapFile, conv *convert.Converter) (Canonical, error) {
	var c Canonical
	for _, part := range splitNonEmpty(mf.Data, "|") {
		idStr, countStr, found := strings.Cut(part, "~")
		if !found {
			return c, fmt.Errorf("data: run %q has no count", part)
		}
		if tick := strings.IndexByte(idStr, '`'); tick >= 0 {
			idStr = idStr[:tick]
		}
		id, err := strconv.ParseUint(idStr, 36, 8)
		if err != nil {
			return c, fmt.Errorf("data: bad id %q", idStr)
		}
		count, err := strconv.ParseUint(countStr, 36, 32)
		if err != nil {
			return c, fmt.Errorf("data: bad count %q", countStr)
		}
		c.Data = append(c.Data, Run{
			ID:    conv.ConvertSingle(byte(id), "psp", convert.Standard),
			Count: int(count),
		})
	}
	return c, nil
}

// parseRuns parses sep-joined `id<pair>count` runs with the given radixes.
func parseRuns(s, sep, pair string, countBase, idBase int) ([]Run, error) {
	var out []Run
	for _, part := range splitNonEmpty(s, sep) {
		idStr, countStr, found := strings.Cut(part, pair)
		if !found {
			return nil, fmt.Errorf("run %q has no count", part)
		}
		id, err := strconv.ParseUint(idStr, idBase, 8)
		if err != nil {
			return nil, fmt.Errorf("bad id %q", idStr)
		}
		count, err := strconv.ParseUint(countStr, countBase, 32)
		if err != nil {
			return nil, fmt.Errorf("bad count %q", countStr)
		}
		out = append(out, Run{ID: byte(id), Count: int(count)})
	}
	return out, nil
}

type strRun struct {
	tok   string
	count int
}

// parseStrRuns is parseRuns with the id kept as its raw token.
func parseStrRuns(s, sep, pair string, countBase int) ([]strRun, error) {
	var out []strRun
	for _, part := range splitNonEmpty(s, sep) {
		tok, countStr, found := strings.Cut(part, pair)
		if !found {
			return nil, fmt.Errorf("run %q has no count", part)
		}
		count, err := strconv.ParseUint(countStr, countBase, 32)
		if err != nil {
			return nil, fmt.Errorf("bad count %q", countStr)
		}
		out = append(out, strRun{tok: tok, count: int(count)})
	}
	return out, nil
}

func expandStrRuns(runs []strRun) []string {
	n := 0
	for _, r := range runs {
		n += r.count
	}
	out := make([]string, 0, n)
	for _, r := range runs {
		for i := 0; i < r.count; i++ {
			out = append(out, r.tok)
		}
	}
	return out
}

// parseAlternating parses colon-separated bare counts that alternate
// boolean 0/1 values, starting at 0.
func parseAlternating(s string, base int) ([]Run, error) {
	var out []Run
	val := byte(0)
	for _, part := range splitNonEmpty(s, ":") {
		count, err := strconv.ParseUint(part, base, 32)
		if err != nil {
			return nil, fmt.Errorf("bad count %q", part)
		}
		out = append(out, Run{ID: val, Count: int(count)})
		val ^= 1
	}
	return out, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
