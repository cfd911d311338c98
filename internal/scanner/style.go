package scanner

import "strings"

// backgroundValues returns the values of background and background-image
// declarations in an inline style attribute.
func backgroundValues(style string) []string {
	var values []string
	for _, decl := range splitDeclarations(style) {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "background", "background-image":
			values = append(values, value)
		}
	}
	return values
}

// splitDeclarations splits on semicolons that are not inside parentheses or
// quotes, so data URIs and quoted URLs containing ';' stay intact.
func splitDeclarations(style string) []string {
	var (
		out   []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(style); i++ {
		ch := style[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '(':
			depth++
		case ch == ')' && depth > 0:
			depth--
		case ch == ';' && depth == 0:
			out = append(out, style[start:i])
			start = i + 1
		}
	}
	if start < len(style) {
		out = append(out, style[start:])
	}
	return out
}
