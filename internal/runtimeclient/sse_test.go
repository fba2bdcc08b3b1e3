package runtimeclient

import "testing"

func TestSSEScannerParsesEventDataPairs(t *testing.T) {
	s := newSSEScanner()
	events := s.feed("event: stdout\ndata: {\"content\":\"hi\"}\n")
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].name != "stdout" || events[0].data != `{"content":"hi"}` {
		t.Errorf("events[0] = %+v", events[0])
	}
}

func TestSSEScannerRetainsPartialLineAcrossFeeds(t *testing.T) {
	s := newSSEScanner()
	events := s.feed("event: stdout\ndata: {\"content")
	if len(events) != 0 {
		t.Fatalf("expected no events yet, got %v", events)
	}
	events = s.feed("\":\"hi\"}\n")
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].data != `{"content":"hi"}` {
		t.Errorf("data = %q, want the reassembled line", events[0].data)
	}
}

func TestSSEScannerHandlesMultipleEventsInOneFeed(t *testing.T) {
	s := newSSEScanner()
	events := s.feed("event: stdout\ndata: {\"content\":\"a\"}\nevent: result\ndata: {\"success\":true}\n")
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].name != "stdout" || events[1].name != "result" {
		t.Errorf("events = %+v", events)
	}
}

func TestSSEScannerIgnoresBlankLines(t *testing.T) {
	s := newSSEScanner()
	events := s.feed("event: stdout\ndata: {\"content\":\"a\"}\n\n")
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want 1", len(events))
	}
}
