package directive

import "strings"

// ParseParams turns the substring between a directive's outer parens
// into an ordered parameter list. Three payload shapes are recognized,
// in precedence order:
//
//  1. Text containing the reserved [PayloadKey] field: the field's
//     escaped JSON value is extracted with a quote/escape scan and
//     returned verbatim; the surrounding params parse as a flat list.
//  2. Text containing braces or brackets: a generic structured list,
//     split on top-level commas only.
//  3. Anything else: a flat comma-separated key:value list.
//
// Malformed input produces a partial or empty list, never an error.
// Missing required keys are the executor's problem to report as an
// ordinary validation failure.
func ParseParams(s string) []Param {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if idx := strings.Index(s, PayloadKey); idx >= 0 {
		return parseWithPayload(s, idx)
	}
	if strings.ContainsAny(s, "{}[]") {
		return parseStructured(s)
	}
	return parseFlat(s)
}

// parseWithPayload handles shape 1. The payload value starts at the
// first unescaped quote after the reserved key and ends at the first
// quote that is not itself escaped; everything between is the raw
// (still escaped) document. Params before and after the payload field
// parse as flat lists, preserving source order.
func parseWithPayload(s string, keyIdx int) []Param {
	p := keyIdx + len(PayloadKey)

	// Skip to the opening quote of the payload value.
	openQuote := -1
	escaped := false
	for i := p; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		switch s[i] {
		case '\\':
			escaped = true
		case '"':
			openQuote = i
		}
		if openQuote >= 0 {
			break
		}
	}
	if openQuote < 0 {
		// No quoted value after the key: degrade to a flat parse.
		return parseFlat(s)
	}

	// Scan for the terminating unescaped quote.
	endQuote := -1
	escaped = false
	for i := openQuote + 1; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		switch s[i] {
		case '\\':
			escaped = true
		case '"':
			endQuote = i
		}
		if endQuote >= 0 {
			break
		}
	}
	if endQuote < 0 {
		// Unterminated payload: emit what precedes it.
		return parseFlat(strings.TrimSuffix(strings.TrimSpace(s[:keyIdx]), ","))
	}

	raw := s[openQuote+1 : endQuote]

	before := strings.TrimSpace(s[:keyIdx])
	before = strings.TrimSuffix(before, ",")
	after := strings.TrimSpace(s[endQuote+1:])
	after = strings.TrimPrefix(after, ",")

	params := parseFlat(before)
	params = append(params, Param{Key: PayloadKey, Value: raw})
	return append(params, parseFlat(after)...)
}

// parseStructured handles shape 2: segments split on commas at brace
// depth zero outside quotes, each segment split on its first top-level
// colon. Segments without a colon are dropped.
func parseStructured(s string) []Param {
	var params []Param
	for _, seg := range splitTopLevel(s) {
		key, val, ok := splitKeyValue(seg)
		if !ok {
			continue
		}
		params = append(params, Param{Key: key, Value: stripQuotes(val)})
	}
	return params
}

// splitTopLevel splits on commas that are outside quoted strings and
// at zero brace/bracket/paren depth.
func splitTopLevel(s string) []string {
	var segs []string
	depth := 0
	inQuote := false
	escaped := false
	start := 0

	for i := 0; i < len(s); i++ {
		c := s[i]
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
		case '{', '[', '(':
			if !inQuote {
				depth++
			}
		case '}', ']', ')':
			if !inQuote && depth > 0 {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				segs = append(segs, s[start:i])
				start = i + 1
			}
		}
	}
	if strings.TrimSpace(s[start:]) != "" {
		segs = append(segs, s[start:])
	}
	return segs
}

// splitKeyValue splits a segment on its first colon that sits outside
// quotes and outside any brace nesting.
func splitKeyValue(seg string) (key, val string, ok bool) {
	depth := 0
	inQuote := false
	escaped := false
	for i := 0; i < len(seg); i++ {
		c := seg[i]
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
		case '{', '[', '(':
			if !inQuote {
				depth++
			}
		case '}', ']', ')':
			if !inQuote && depth > 0 {
				depth--
			}
		case ':':
			if !inQuote && depth == 0 {
				key = strings.TrimSpace(seg[:i])
				val = strings.TrimSpace(seg[i+1:])
				return key, val, key != ""
			}
		}
	}
	return "", "", false
}

// parseFlat handles shape 3 with a single forward scan. A colon
// outside quotes ends the key; a comma outside quotes ends the value;
// a trailing unterminated pair is still emitted. Values wrapped in
// matching quotes have those quotes stripped.
func parseFlat(s string) []Param {
	var params []Param
	var key, val strings.Builder
	inQuote := false
	inValue := false
	escaped := false

	emit := func() {
		k := strings.TrimSpace(key.String())
		if k != "" && inValue {
			params = append(params, Param{Key: k, Value: stripQuotes(strings.TrimSpace(val.String()))})
		}
		key.Reset()
		val.Reset()
		inValue = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		cur := &key
		if inValue {
			cur = &val
		}
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ':' && !inQuote && !inValue:
			inValue = true
		case c == ',' && !inQuote:
			emit()
		default:
			cur.WriteByte(c)
		}
	}
	emit()
	return params
}

// stripQuotes removes one pair of wrapping double quotes, if present.
func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
