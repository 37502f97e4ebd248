package agent

import (
	"strings"

	"github.com/dleffel/trainer-agent/internal/directive"
)

// StreamBuffer gates a live token feed so directive syntax never
// reaches the user mid-stream. It starts in live mode, forwarding each
// content token to the sink as it arrives; the moment the accumulated
// text contains the directive marker it flips to buffering mode and
// stops forwarding. The flip happens at most once per stream and never
// reverses. The full accumulated text is available from [Text]
// regardless of mode.
//
// The buffer does not touch the transcript: tokens land there only
// after the stream completes, on the orchestrator's goroutine, which
// keeps conversation state single-writer even though Write is called
// from the stream-decoding loop.
type StreamBuffer struct {
	sink      func(token string)
	raw       strings.Builder
	rendered  strings.Builder
	buffering bool
}

// NewStreamBuffer creates a buffer forwarding live tokens to sink.
// A nil sink buffers everything silently.
func NewStreamBuffer(sink func(token string)) *StreamBuffer {
	return &StreamBuffer{sink: sink}
}

// Write accepts one content token. Pass this as the stream's token
// callback.
func (b *StreamBuffer) Write(token string) {
	b.raw.WriteString(token)

	if !b.buffering && b.containsMarker(len(token)) {
		// The token that completes the marker is itself withheld:
		// forwarding it would render the marker.
		b.buffering = true
	}
	if b.buffering {
		return
	}

	b.rendered.WriteString(token)
	if b.sink != nil {
		b.sink(token)
	}
}

// containsMarker checks whether the marker appears in the region the
// latest token could have completed: the last tokenLen bytes plus one
// marker length of lookback. Substring containment over a bounded tail
// keeps the per-token cost constant.
func (b *StreamBuffer) containsMarker(tokenLen int) bool {
	s := b.raw.String()
	window := tokenLen + len(directive.Marker) - 1
	if window > len(s) {
		window = len(s)
	}
	return strings.Contains(s[len(s)-window:], directive.Marker)
}

// Buffering reports whether the buffer has seen a directive marker and
// stopped forwarding.
func (b *StreamBuffer) Buffering() bool {
	return b.buffering
}

// Text returns everything written so far, buffered or not.
func (b *StreamBuffer) Text() string {
	return b.raw.String()
}

// Rendered returns what was actually forwarded to the sink.
func (b *StreamBuffer) Rendered() string {
	return b.rendered.String()
}
