package k1

import "regexp"

// Grammar is the pair of patterns a response is recognized by: the complete
// response, and any prefix of it that may still be arriving.
type Grammar struct {
	complete *regexp.Regexp
	exact    *regexp.Regexp
	partial  *regexp.Regexp
}

// NewGrammar compiles a grammar. Patterns are fixed per command kind, so a
// bad pattern is a programming error and panics.
func NewGrammar(complete, partial string) Grammar {
	return Grammar{
		complete: regexp.MustCompile(complete),
		exact:    regexp.MustCompile(`^(?:` + complete + `)$`),
		partial:  regexp.MustCompile(`(?:` + partial + `)$`),
	}
}

// MatchComplete returns the offsets of the leftmost complete response in buf.
func (g Grammar) MatchComplete(buf []byte) (start, end int, ok bool) {
	loc := g.complete.FindIndex(buf)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

// MatchPartial returns where a response prefix anchored at the end of buf
// starts.
func (g Grammar) MatchPartial(buf []byte) (start int, ok bool) {
	loc := g.partial.FindIndex(buf)
	if loc == nil {
		return 0, false
	}
	return loc[0], true
}

// submatches returns the capture groups of s if s is exactly one complete
// response.
func (g Grammar) submatches(s string) ([]string, bool) {
	m := g.exact.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return m, true
}

// String returns the complete-response pattern.
func (g Grammar) String() string {
	if g.complete == nil {
		return ""
	}
	return g.complete.String()
}

// ackGrammar builds the grammar of a command acknowledged by
// "<code>\r\n*\r\n". lead lists the shorter prefixes that come before the
// full code (e.g. "R" for "RA").
func ackGrammar(code string, lead ...string) Grammar {
	partial := ""
	for _, l := range lead {
		partial += regexp.QuoteMeta(l) + "|"
	}
	q := regexp.QuoteMeta(code)
	partial += q + `|` + q + `\r|` + q + `\r\n|` + q + `\r\n\*|` + q + `\r\n\*\r`
	return NewGrammar(q+`\r\n\*\r\n`, partial)
}
