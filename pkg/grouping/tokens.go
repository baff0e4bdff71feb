package grouping

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// tokens holds the position indices parsed from one filename. A value of -1
// means the axis had no token.
type tokens struct {
	t, z, c, s int

	// suffix is the untagged remainder used for lexicographic ordering when
	// no axis token is present
	suffix string
}

// tagged reports whether any axis token was found.
func (tk tokens) tagged() bool {
	return tk.t >= 0 || tk.z >= 0 || tk.c >= 0 || tk.s >= 0
}

// axisTokenRe matches position tokens such as _T12, -z003, .c2 or s1: an
// axis letter followed by digits, bounded by a delimiter or the name start.
var axisTokenRe = regexp.MustCompile(`(?i)(^|[_\-. ])([tzcs])(\d+)`)

// trailingDigitsRe matches an untagged numeric suffix such as img0042.
var trailingDigitsRe = regexp.MustCompile(`(\d+)$`)

// parseTokens extracts position tokens from a file path and returns them
// together with the stem: the acquisition name with tokens, the untagged
// numeric suffix and the extension stripped. Files sharing a stem (within
// one directory) belong to the same group.
func parseTokens(path string) (tokens, string) {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	tk := tokens{t: -1, z: -1, c: -1, s: -1}

	var stem strings.Builder
	last := 0
	for _, m := range axisTokenRe.FindAllStringSubmatchIndex(name, -1) {
		// m[2]:m[3] delimiter, m[4]:m[5] axis letter, m[6]:m[7] digits
		stem.WriteString(name[last:m[2]])
		last = m[1]

		v, err := strconv.Atoi(name[m[6]:m[7]])
		if err != nil {
			continue
		}
		switch strings.ToLower(name[m[4]:m[5]]) {
		case "t":
			tk.t = v
		case "z":
			tk.z = v
		case "c":
			tk.c = v
		case "s":
			tk.s = v
		}
	}
	stem.WriteString(name[last:])

	base := stem.String()
	if !tk.tagged() {
		if m := trailingDigitsRe.FindStringIndex(base); m != nil {
			tk.suffix = base[m[0]:]
			base = base[:m[0]]
		}
	}
	return tk, base
}

// position materializes the parsed tokens into a Position, with untagged
// axes defaulting to 0.
func (tk tokens) position(path string) Position {
	at := func(v int) int {
		if v < 0 {
			return 0
		}
		return v
	}
	return Position{Path: path, T: at(tk.t), Z: at(tk.z), C: at(tk.c), Series: at(tk.s)}
}
