// Package docwriter reads and writes the fenced output region inside the
// shared document text that the browser owns and the monitor populates:
//
//	```output:<execId>
//	...content...
//	```
//
// The browser creates and removes the fence; this package only ever
// touches the content between an opening and closing fence it did not
// create itself.
package docwriter

import (
	"strings"
	"unicode/utf8"

	"github.com/mrmd/monitor/internal/crdt"
)

const fence = "```"

// Block is the location of an output region within the current text
// snapshot, as rune indices (the index space crdt.SharedText uses).
// MarkerStart is the index of the opening fence's first backtick;
// ContentStart/ContentEnd bound the region's content.
type Block struct {
	MarkerStart  int
	ContentStart int
	ContentEnd   int
}

// Writer operates on one shared text, locating and editing the output
// region belonging to a given execution id.
type Writer struct {
	text crdt.SharedText
}

func New(text crdt.SharedText) *Writer {
	return &Writer{text: text}
}

// FindOutputBlock locates execId's output region in the current text
// snapshot by string search. ok is false if no opening marker for execId
// exists. If no closing fence follows, ContentEnd is the text length.
func (w *Writer) FindOutputBlock(execId string) (Block, bool) {
	return findOutputBlock(w.text.String(), execId)
}

// findOutputBlock searches for execId's output region on a byte-offset
// basis (the marker and fence are pure ASCII, so byte search is exact
// for locating them) and converts the resulting offsets to rune indices
// before returning, since crdt.SharedText addresses content by rune
// index.
func findOutputBlock(snapshot, execId string) (Block, bool) {
	opener := fence + "output:" + execId
	markerStart := -1
	for from := 0; ; {
		i := strings.Index(snapshot[from:], opener)
		if i < 0 {
			break
		}
		i += from
		end := i + len(opener)
		atLineStart := i == 0 || snapshot[i-1] == '\n'
		atLineEnd := end == len(snapshot) || snapshot[end] == '\n'
		if atLineStart && atLineEnd {
			markerStart = i
			break
		}
		from = i + 1
	}
	if markerStart < 0 {
		return Block{}, false
	}

	contentStart := markerStart + len(opener)
	if contentStart < len(snapshot) && snapshot[contentStart] == '\n' {
		contentStart++
	}

	contentEnd := len(snapshot)
	if close := indexOfLine(snapshot[contentStart:], fence); close >= 0 {
		contentEnd = contentStart + close
	}

	return Block{
		MarkerStart:  byteToRuneIndex(snapshot, markerStart),
		ContentStart: byteToRuneIndex(snapshot, contentStart),
		ContentEnd:   byteToRuneIndex(snapshot, contentEnd),
	}, true
}

func byteToRuneIndex(s string, byteIdx int) int {
	return utf8.RuneCountInString(s[:byteIdx])
}

// indexOfLine returns the index of the first occurrence of needle that
// starts at the beginning of a line (position 0, or immediately after a
// newline), or -1 if there is none.
func indexOfLine(s, needle string) int {
	if strings.HasPrefix(s, needle) {
		return 0
	}
	search := s
	offset := 0
	for {
		nl := strings.IndexByte(search, '\n')
		if nl < 0 {
			return -1
		}
		lineStart := offset + nl + 1
		if strings.HasPrefix(s[lineStart:], needle) {
			return lineStart
		}
		search = s[lineStart:]
		offset = lineStart
	}
}

// HasOutputBlock reports whether execId has an opening marker in the
// current snapshot.
func (w *Writer) HasOutputBlock(execId string) bool {
	_, ok := w.FindOutputBlock(execId)
	return ok
}

// GetOutputContent returns the current content of execId's output
// region, or ok=false if the region does not exist.
func (w *Writer) GetOutputContent(execId string) (string, bool) {
	block, ok := w.FindOutputBlock(execId)
	if !ok {
		return "", false
	}
	runes := []rune(w.text.String())
	return string(runes[block.ContentStart:block.ContentEnd]), true
}

// AppendOutput inserts content at the end of execId's output region.
// It returns false if the region does not exist.
func (w *Writer) AppendOutput(execId, content string) bool {
	block, ok := w.FindOutputBlock(execId)
	if !ok {
		return false
	}
	w.text.Insert(block.ContentEnd, content)
	return true
}

// ReplaceOutput replaces execId's entire output region content with
// content, as a single atomic transaction: no observer ever sees the
// region emptied and then refilled as two separate changes. Returns
// false if the region does not exist.
func (w *Writer) ReplaceOutput(execId, content string) bool {
	block, ok := w.FindOutputBlock(execId)
	if !ok {
		return false
	}
	w.text.Transact(func() {
		if block.ContentEnd > block.ContentStart {
			w.text.Delete(block.ContentStart, block.ContentEnd-block.ContentStart)
		}
		w.text.Insert(block.ContentStart, content)
	})
	return true
}

// CreateOutputPosition returns a logical position anchored at execId's
// content start, stable under concurrent insertions elsewhere in the
// text. Returns ok=false if the region does not exist.
func (w *Writer) CreateOutputPosition(execId string) (crdt.Position, bool) {
	block, ok := w.FindOutputBlock(execId)
	if !ok {
		return nil, false
	}
	return w.text.CreatePosition(block.ContentStart), true
}

// GetAbsolutePosition resolves a previously created logical position to
// its current index, or ok=false if the anchor no longer exists.
func (w *Writer) GetAbsolutePosition(pos crdt.Position) (int, bool) {
	return w.text.ResolvePosition(pos)
}
