package ingest

import (
	"strings"
)

// HeaderRewrite renames exact header tokens before the header is embedded in batches
type HeaderRewrite struct {
	pairs     [][2]string
	delimiter string
}

// NewHeaderRewrite creates a rewrite from ordered (token, replacement) pairs
func NewHeaderRewrite(pairs [][2]string) *HeaderRewrite {
	return &HeaderRewrite{pairs: pairs, delimiter: ","}
}

// Apply returns the header with every column equal to a token replaced.
// Columns are compared after trimming spaces and surrounding double quotes,
// and keep their original quoting. The first matching pair wins.
func (h *HeaderRewrite) Apply(header string) string {
	if h == nil || len(h.pairs) == 0 {
		return header
	}

	cols := strings.Split(header, h.delimiter)
	for i, col := range cols {
		name, quoted := unquote(strings.TrimSpace(col))
		for _, p := range h.pairs {
			if name != p[0] {
				continue
			}
			if quoted {
				cols[i] = `"` + p[1] + `"`
			} else {
				cols[i] = p[1]
			}
			break
		}
	}
	return strings.Join(cols, h.delimiter)
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1], true
	}
	return s, false
}
