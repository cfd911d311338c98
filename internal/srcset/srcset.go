// Package srcset parses and formats responsive image candidate lists as used
// by the srcset attribute.
package srcset

import "strings"

// Candidate is one entry of a srcset: a URL plus an optional width or
// density descriptor such as "480w" or "2x".
type Candidate struct {
	URL        string
	Descriptor string
}

// String renders the candidate as it appears inside a srcset.
func (c Candidate) String() string {
	if c.Descriptor == "" {
		return c.URL
	}
	return c.URL + " " + c.Descriptor
}

// Parse splits a srcset value into candidates. URLs are collected up to the
// first whitespace so commas inside a URL (data URIs, query strings) do not
// split it; a URL ending in commas terminates its candidate.
func Parse(value string) []Candidate {
	var out []Candidate
	pos := 0
	for pos < len(value) {
		for pos < len(value) && (isSpace(value[pos]) || value[pos] == ',') {
			pos++
		}
		if pos >= len(value) {
			break
		}
		start := pos
		for pos < len(value) && !isSpace(value[pos]) {
			pos++
		}
		rawURL := value[start:pos]
		if strings.HasSuffix(rawURL, ",") {
			out = append(out, Candidate{URL: strings.TrimRight(rawURL, ",")})
			continue
		}

		descStart := pos
		depth := 0
		for pos < len(value) {
			ch := value[pos]
			if ch == '(' {
				depth++
			} else if ch == ')' && depth > 0 {
				depth--
			} else if ch == ',' && depth == 0 {
				break
			}
			pos++
		}
		desc := strings.Join(strings.Fields(value[descStart:pos]), " ")
		out = append(out, Candidate{URL: rawURL, Descriptor: desc})
		if pos < len(value) {
			pos++
		}
	}
	return out
}

// Format joins candidates back into a srcset value.
func Format(candidates []Candidate) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.URL == "" {
			continue
		}
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ", ")
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}
