package signature

import (
	"fmt"
	"strconv"
	"strings"
)

// wildcard marks a token that matches any byte.
const wildcard = -1

// Pattern is an ordered sequence of byte tokens; a negative token matches
// anything.
type Pattern []int16

// ParsePattern parses space separated hex bytes, with "?" or "??" as
// wildcards: "E8 ?? ?? ?? ?? 90 90".
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	p := make(Pattern, 0, len(fields))
	for i, f := range fields {
		if f == "?" || f == "??" {
			p = append(p, wildcard)
			continue
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: token %d %q", ErrInvalidPattern, i, f)
		}
		p = append(p, int16(v))
	}
	if p[0] == wildcard {
		return nil, fmt.Errorf("%w: leading wildcard", ErrInvalidPattern)
	}
	return p, nil
}

// MustParsePattern is ParsePattern for static tables.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// matchAt reports whether p matches data at off.
func (p Pattern) matchAt(data []byte, off int) bool {
	for i, tok := range p {
		if tok != wildcard && data[off+i] != byte(tok) {
			return false
		}
	}
	return true
}

// Scan returns the offsets of up to limit matches in data; limit <= 0 means all.
func (p Pattern) Scan(data []byte, limit int) []int {
	var out []int
	if len(p) == 0 {
		return nil
	}
	first := byte(p[0])
	for off := 0; off+len(p) <= len(data); off++ {
		if data[off] != first || !p.matchAt(data, off) {
			continue
		}
		out = append(out, off)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i, tok := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if tok == wildcard {
			sb.WriteString("??")
		} else {
			fmt.Fprintf(&sb, "%02X", tok)
		}
	}
	return sb.String()
}
