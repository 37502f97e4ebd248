// Package directive implements the embedded tool-call wire format that
// the model weaves into its free-text responses:
//
//	[TOOL_CALL: name]
//	[TOOL_CALL: name(key: value, other: "quoted, with commas")]
//
// Directives may appear anywhere in surrounding prose, multiple times
// per response, and are processed in left-to-right source order. The
// grammar is intentionally looser than JSON (unquoted keys, mixed
// payload shapes); only the reserved workout payload field carries a
// real JSON document, as an escaped quoted string.
//
// Nothing in this package returns an error. Malformed input yields a
// partial result (fewer calls, fewer params) rather than a failure —
// a half-formed directive in prose is prose, not a bug to surface.
package directive

// Marker is the opening token of a directive. The stream coordinator
// watches for this substring to stop live-rendering mid-directive.
const Marker = "[TOOL_CALL:"

// PayloadKey is the reserved parameter that carries an arbitrarily
// large embedded JSON document as an escaped quoted string. It is
// extracted with a quote/escape-aware scan and returned verbatim;
// callers unescape it with [Unescape] before JSON-decoding.
const PayloadKey = "workout_json"

// Param is a single key/value pair in source order.
type Param struct {
	Key   string
	Value string
}

// Call is one parsed directive occurrence. Start and End delimit the
// exact byte span [Start, End) of the directive in the source text,
// recorded so the span can be removed from the user-visible reply.
// A Call is immutable once parsed.
type Call struct {
	Name   string
	Params []Param
	Start  int
	End    int
}

// Param returns the value for key and whether it was present.
func (c *Call) Param(key string) (string, bool) {
	for _, p := range c.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Result is the outcome of routing one call to an executor.
type Result struct {
	Name    string
	Success bool
	Output  string
	Error   string
}

// ProcessedTurn is what one model response reduces to after detection
// and execution: the response with every directive span removed, and
// the executor results in detection order.
type ProcessedTurn struct {
	CleanedText   string
	HadDirectives bool
	Results       []Result
}

// Unescape reverses the quoting applied to embedded payload values:
// \" becomes " and \\ becomes \. Other backslash sequences are left
// untouched since the outer grammar only ever escapes those two bytes.
func Unescape(s string) string {
	// Fast path: nothing to do.
	i := 0
	for i < len(s) && s[i] != '\\' {
		i++
	}
	if i == len(s) {
		return s
	}

	b := make([]byte, 0, len(s))
	b = append(b, s[:i]...)
	for ; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			i++
		}
		b = append(b, s[i])
	}
	return string(b)
}
