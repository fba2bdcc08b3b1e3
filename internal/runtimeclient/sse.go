package runtimeclient

import "strings"

// sseEvent is one decoded server-sent event: a name (defaulting to
// "message" per the SSE spec, though this runtime always names its
// events) and its raw data line.
type sseEvent struct {
	name string
	data string
}

// sseScanner accumulates decoded text across chunks and yields complete
// events. Built for a protocol that never sends multi-line "data:"
// fields: each event is exactly one event: line and one data: line.
type sseScanner struct {
	buf         strings.Builder
	pendingName string
}

func newSSEScanner() *sseScanner {
	return &sseScanner{pendingName: "message"}
}

// feed appends chunk to the internal buffer and returns every complete
// event it can extract, retaining any trailing partial line for the
// next call.
func (s *sseScanner) feed(chunk string) []sseEvent {
	s.buf.WriteString(chunk)
	text := s.buf.String()

	var events []sseEvent
	for {
		nl := strings.IndexByte(text, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSuffix(text[:nl], "\r")
		text = text[nl+1:]

		switch {
		case strings.HasPrefix(line, "event: "):
			s.pendingName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			events = append(events, sseEvent{name: s.pendingName, data: strings.TrimPrefix(line, "data: ")})
		case line == "":
			// Blank line: SSE event boundary, nothing further to do
			// since this protocol dispatches per data: line already.
		}
	}

	s.buf.Reset()
	s.buf.WriteString(text)
	return events
}
