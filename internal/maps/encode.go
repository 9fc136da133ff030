package maps

import (
	"fmt"
	"strconv"
	"strings"

	"pixsim/server/internal/convert"
)

// encode re-serializes a canonical record into the target dialect.
func encode(rec *Record, format string, conv *convert.Converter) (*EncodedMap, error) {
	em := &EncodedMap{
		Format:  format,
		Width:   rec.Width,
		Height:  rec.Height,
		Scripts: rec.Scripts,
	}
	switch format {
	case convert.Standard:
		em.Data = joinRuns(rec.Canonical.Data, ":", "-", 10, 10)
		em.PlaceableData[0] = joinAlternating(rec.Canonical.Placeable[0], 10)
		em.PlaceableData[1] = joinAlternating(rec.Canonical.Placeable[1], 10)
		em.TeamData = joinRuns(rec.Canonical.Team, ":", "-", 10, 10)
	case "rps":
		var sb strings.Builder
		for i, r := range rec.Canonical.Data {
			if i > 0 {
				sb.WriteByte(':')
			}
			fmt.Fprintf(&sb, "%d-%s", conv.NumericID("rps", r.ID), strconv.FormatInt(int64(r.Count), 16))
		}
		em.Data = sb.String()
		em.PlaceableData[0] = joinAlternating(rec.Canonical.Placeable[0], 16)
		em.PlaceableData[1] = joinAlternating(rec.Canonical.Placeable[1], 16)
		em.TeamData = joinRuns(rec.Canonical.Team, ":", "-", 16, 10)
	case "bps":
		data, rot, err := encodeBPSStreams(rec, conv)
		if err != nil {
			return nil, err
		}
		em.Data = data
		em.RotationData = rot
		em.PlaceableData[0] = joinRuns(rec.Canonical.Placeable[0], ":", "-", 36, 36)
		em.PlaceableData[1] = joinRuns(rec.Canonical.Placeable[1], ":", "-", 36, 36)
		em.TeamData = joinRuns(rec.Canonical.Team, ":", "-", 36, 36)
	case "psp":
		var sb strings.Builder
		for i, r := range rec.Canonical.Data {
			if i > 0 {
				sb.WriteByte('|')
			}
			id := conv.NumericID("psp", r.ID)
			fmt.Fprintf(&sb, "%s~%s", strconv.FormatInt(int64(id), 36), strconv.FormatInt(int64(r.Count), 36))
		}
		em.Data = sb.String()
	default:
		return nil, fmt.Errorf("unknown map format %q", format)
	}
	return em, nil
}

// encodeBPSStreams splits each canonical cell's bps string id into its
// pixel and rotation parts (the rotation is the final base-36 digit) and
// run-length encodes the two streams independently.
func encodeBPSStreams(rec *Record, conv *convert.Converter) (string, string, error) {
	cells := expandRuns(rec.Canonical.Data)
	pix := make([]string, len(cells))
	rot := make([]string, len(cells))
	for i, c := range cells {
		s, ok := conv.StringID("bps", c)
		if !ok || len(s) < 2 {
			// Unmapped in bps: sentinel pixel with rotation 0.
			s = strconv.FormatInt(int64(convert.Sentinel), 36) + "0"
		}
		pix[i] = s[:len(s)-1]
		rot[i] = s[len(s)-1:]
	}
	return joinStrRuns(pix), joinStrRuns(rot), nil
}

func joinStrRuns(cells []string) string {
	var sb strings.Builder
	i := 0
	for i < len(cells) {
		j := i
		for j < len(cells) && cells[j] == cells[i] {
			j++
		}
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(cells[i])
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatInt(int64(j-i), 36))
		i = j
	}
	return sb.String()
}

func joinRuns(runs []Run, sep, pair string, countBase, idBase int) string {
	var sb strings.Builder
	for i, r := range runs {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(strconv.FormatInt(int64(r.ID), idBase))
		sb.WriteString(pair)
		sb.WriteString(strconv.FormatInt(int64(r.Count), countBase))
	}
	return sb.String()
}

// joinAlternating writes bare counts whose boolean values alternate
// starting at 0, inserting zero-length runs where needed to keep the
// alternation aligned.
func joinAlternating(runs []Run, base int) string {
	var counts []int
	val := byte(0)
	for _, r := range runs {
		if r.ID != val {
			counts = append(counts, 0)
			val ^= 1
		}
		counts = append(counts, r.Count)
		val ^= 1
	}
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = strconv.FormatInt(int64(c), base)
	}
	return strings.Join(parts, ":")
}
