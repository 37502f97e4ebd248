package directive

import "strings"

// Detect scans a full model response for directive occurrences and
// returns them in source order, each with its exact character span.
//
// The parenthesized parameter group is matched at nesting depth, not
// with a shortest-match scan: embedded quoted payloads routinely
// contain stray parens and brackets (JSON inside the workout field),
// so the close paren we want is the one that returns the depth counter
// to zero outside any quoted string.
//
// A directive is matched whole or not at all. An unterminated
// "[TOOL_CALL:" with no closing bracket is silently ignored and
// scanning resumes just past the marker.
func Detect(text string) []Call {
	var calls []Call
	pos := 0
	for {
		idx := strings.Index(text[pos:], Marker)
		if idx < 0 {
			return calls
		}
		start := pos + idx

		call, end, ok := parseAt(text, start)
		if ok {
			calls = append(calls, call)
			pos = end
		} else {
			// Malformed occurrence: skip the marker and keep looking.
			pos = start + len(Marker)
		}
	}
}

// parseAt attempts to parse one directive whose marker begins at start.
// Returns the call, the index just past its closing bracket, and
// whether the occurrence was well-formed.
func parseAt(text string, start int) (Call, int, bool) {
	p := start + len(Marker)
	p = skipSpace(text, p)

	nameStart := p
	for p < len(text) && isNameByte(text[p]) {
		p++
	}
	if p == nameStart || (text[nameStart] >= '0' && text[nameStart] <= '9') {
		return Call{}, 0, false
	}
	name := text[nameStart:p]

	var params []Param
	if p < len(text) && text[p] == '(' {
		body, after, ok := matchGroup(text, p)
		if !ok {
			return Call{}, 0, false
		}
		params = ParseParams(body)
		p = after
	}

	p = skipSpace(text, p)
	if p >= len(text) || text[p] != ']' {
		return Call{}, 0, false
	}

	return Call{Name: name, Params: params, Start: start, End: p + 1}, p + 1, true
}

// matchGroup finds the close delimiter matching the opener at open,
// honoring nesting of parens/brackets and skipping anything inside
// quoted strings (where \" and \\ are escapes). Returns the body
// between the delimiters and the index just past the closer.
func matchGroup(text string, open int) (body string, after int, ok bool) {
	depth := 0
	inQuote := false
	escaped := false

	for i := open; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inQuote {
				escaped = true
			}
		case '"':
			inQuote = !inQuote
		case '(', '[':
			if !inQuote {
				depth++
			}
		case ')', ']':
			if !inQuote {
				depth--
				if depth == 0 {
					return text[open+1 : i], i + 1, true
				}
			}
		}
	}
	return "", 0, false
}

// CleanText removes every detected span from text, working in reverse
// source order so earlier removals never shift later offsets, then
// normalizes whitespace: runs of spaces and tabs collapse to one
// space, trailing line whitespace is dropped, and runs of blank lines
// collapse to a single blank line.
func CleanText(text string, calls []Call) string {
	for i := len(calls) - 1; i >= 0; i-- {
		c := calls[i]
		if c.Start < 0 || c.End > len(text) || c.Start > c.End {
			continue
		}
		text = text[:c.Start] + text[c.End:]
	}
	return normalizeWhitespace(text)
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(collapseSpaces(line), " ")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func collapseSpaces(s string) string {
	var b strings.Builder
	space := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteByte(c)
	}
	return b.String()
}

func skipSpace(s string, p int) int {
	for p < len(s) && (s[p] == ' ' || s[p] == '\t') {
		p++
	}
	return p
}

func isNameByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
