package linker

import (
	"bytes"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var citationPattern = regexp.MustCompile(`\[cite:\s*(\d+(?:,\s*\d+)*)\]`)

// CitedReferenceNumbers returns the distinct reference numbers cited in text, ascending.
// Numbers that do not fit an int are ignored.
func CitedReferenceNumbers(text string) []int {
	seen := make(map[int]struct{})
	for _, match := range citationPattern.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(match[1], ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				seen[n] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// PruneInvalidCitations rewrites every [cite: ...] marker to keep only numbers in valid.
// A number that does not fit an int is invalid. A marker left with no numbers is removed
// and only the blanks and comma touching it are tidied. Markers whose numbers are all
// valid stay byte-for-byte unchanged, as does the rest of the text.
func PruneInvalidCitations(text string, valid map[int]struct{}) string {
	matches := citationPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	out := make([]byte, 0, len(text))
	pos := 0
	changed := false
	for _, m := range matches {
		parts := strings.Split(text[m[2]:m[3]], ",")
		kept := make([]string, 0, len(parts))
		for _, part := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if _, ok := valid[n]; ok {
				kept = append(kept, strconv.Itoa(n))
			}
		}
		if len(kept) == len(parts) {
			continue
		}

		changed = true
		out = append(out, text[pos:m[0]]...)
		if len(kept) > 0 {
			out = append(out, "[cite: "+strings.Join(kept, ", ")+"]"...)
			pos = m[1]
			continue
		}
		out, pos = dropMarker(out, text, m[1])
	}
	if !changed {
		return text
	}
	out = append(out, text[pos:]...)
	return string(out)
}

// dropMarker joins the text before a removed marker (out) with the text after it
// (text[end:]) and returns the joined prefix and the position to resume copying from.
func dropMarker(out []byte, text string, end int) ([]byte, int) {
	left := bytes.TrimRight(out, " \t")
	rest := end
	for rest < len(text) && (text[rest] == ' ' || text[rest] == '\t') {
		rest++
	}
	hadBlank := len(left) < len(out) || rest > end

	switch {
	case len(left) == 0 || left[len(left)-1] == '\n':
		// Marker opened the line: drop the separators that followed it.
		for rest < len(text) && strings.IndexByte(" \t,;:", text[rest]) >= 0 {
			rest++
		}
		return left, rest
	case rest == len(text) || strings.IndexByte(",.;:", text[rest]) >= 0:
		if left[len(left)-1] == ',' {
			left = left[:len(left)-1]
		}
		return left, rest
	case hadBlank:
		return append(left, ' '), rest
	default:
		return left, rest
	}
}
