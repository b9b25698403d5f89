package task

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Entry is one index in a range rendering.
type Entry struct {
	Index  int
	Status Status
}

// Painter decorates a rendered run of indices according to its status.
type Painter func(status Status, text string) string

// ANSIPainter colors OK runs green and failed runs red.
func ANSIPainter(status Status, text string) string {
	code := 32
	if status == StatusFail {
		code = 31
	}
	return fmt.Sprintf("\033[1;%dm%s\033[1;m", code, text)
}

// CompactRanges renders entries in range notation.
//
// Consecutive indices with the same status collapse into "a-b"; a run breaks
// on a gap or on a status change. Entries [1,2,3,7,8,10] all OK render as
// "1-3,7-8,10". A nil painter leaves the text undecorated.
func CompactRanges(entries []Entry, paint Painter) string {
	if len(entries) == 0 {
		return ""
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var parts []string
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) &&
			sorted[i].Index == sorted[i-1].Index+1 &&
			sorted[i].Status == sorted[start].Status {
			continue
		}
		first, last := sorted[start], sorted[i-1]
		text := strconv.Itoa(first.Index)
		if last.Index != first.Index {
			text += "-" + strconv.Itoa(last.Index)
		}
		if paint != nil {
			text = paint(first.Status, text)
		}
		parts = append(parts, text)
		start = i
	}
	return strings.Join(parts, ",")
}

// CompactIndices renders plain indices in range notation.
func CompactIndices(indices []int) string {
	entries := make([]Entry, len(indices))
	for i, idx := range indices {
		entries[i] = Entry{Index: idx}
	}
	return CompactRanges(entries, nil)
}

// ParseSelection parses range notation ("0-3,7,9-10") into sorted, unique
// indices. It is the inverse of CompactIndices.
func ParseSelection(sel string) ([]int, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, fmt.Errorf("empty task selection")
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(sel, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid task selection %q: empty element", sel)
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || first < 0 {
			return nil, fmt.Errorf("invalid task selection %q: bad index %q", sel, lo)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || last < 0 {
				return nil, fmt.Errorf("invalid task selection %q: bad index %q", sel, hi)
			}
			if last < first {
				return nil, fmt.Errorf("invalid task selection %q: descending range %s", sel, part)
			}
		}
		for i := first; i <= last; i++ {
			seen[i] = struct{}{}
		}
	}

	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}
