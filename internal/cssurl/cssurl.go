// Package cssurl locates url(...) tokens in CSS text. Tokens are found
// textually; this is not a CSS parser and can over- or under-match around
// malformed declarations.
package cssurl

import (
	"regexp"
	"strings"
)

// urlPattern matches url(...) tokens with double, single or no quotes.
var urlPattern = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)'"\s]*))\s*\)`)

// Token is one url(...) occurrence inside CSS text.
type Token struct {
	// Start and End delimit the whole url(...) token.
	Start, End int
	// Value is the unquoted reference.
	Value string
	// Quote is the quote character used, or 0 for a bare token.
	Quote byte
	// Import is set when the token is the target of an @import rule.
	Import bool
}

// Find returns every url(...) token in css in textual order.
func Find(css string) []Token {
	matches := urlPattern.FindAllStringSubmatchIndex(css, -1)
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		tok := Token{Start: m[0], End: m[1]}
		switch {
		case m[2] >= 0:
			tok.Value, tok.Quote = css[m[2]:m[3]], '"'
		case m[4] >= 0:
			tok.Value, tok.Quote = css[m[4]:m[5]], '\''
		case m[6] >= 0:
			tok.Value = css[m[6]:m[7]]
		}
		tok.Value = strings.TrimSpace(tok.Value)
		tok.Import = isImport(css[:m[0]])
		tokens = append(tokens, tok)
	}
	return tokens
}

// Unterminated counts url( openings that did not form a complete token.
func Unterminated(css string, tokens []Token) int {
	opened := strings.Count(strings.ToLower(css), "url(")
	if opened > len(tokens) {
		return opened - len(tokens)
	}
	return 0
}

// Replace returns css with each token's value swapped for replace(token).
// Tokens for which replace returns ok=false are kept byte for byte; the
// original quote style is preserved for the rest.
func Replace(css string, replace func(Token) (string, bool)) (string, int) {
	tokens := Find(css)
	if len(tokens) == 0 {
		return css, 0
	}
	var (
		b       strings.Builder
		last    int
		changed int
	)
	for _, tok := range tokens {
		value, ok := replace(tok)
		if !ok || value == tok.Value {
			continue
		}
		b.WriteString(css[last:tok.Start])
		b.WriteString("url(")
		if tok.Quote != 0 {
			b.WriteByte(tok.Quote)
		}
		b.WriteString(value)
		if tok.Quote != 0 {
			b.WriteByte(tok.Quote)
		}
		b.WriteString(")")
		last = tok.End
		changed++
	}
	if changed == 0 {
		return css, 0
	}
	b.WriteString(css[last:])
	return b.String(), changed
}

func isImport(prefix string) bool {
	prefix = strings.TrimRight(prefix, " \t\r\n\f")
	if len(prefix) < len("@import") {
		return false
	}
	return strings.EqualFold(prefix[len(prefix)-len("@import"):], "@import")
}
