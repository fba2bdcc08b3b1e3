// Package memdoc is an in-memory reference implementation of the
// internal/crdt interfaces. It is not a CRDT: there is no merge, no
// vector clock, no network. It exists so the coordination, document
// writer, and monitor-loop packages can be built, tested, and demoed
// against a real Doc without a live sync server — a stand-in for the
// black-box CRDT runtime the real deployment talks to over
// internal/transport.
package memdoc

import "github.com/mrmd/monitor/internal/crdt"

// Doc is a single-process, single-writer implementation of crdt.Doc.
type Doc struct {
	clientID uint64
	maps     map[string]*sharedMap
	texts    map[string]*sharedText
}

// New returns a Doc identifying itself with the given client id.
func New(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		maps:     make(map[string]*sharedMap),
		texts:    make(map[string]*sharedText),
	}
}

func (d *Doc) ClientID() uint64 { return d.clientID }

func (d *Doc) Map(name string) crdt.SharedMap {
	m, ok := d.maps[name]
	if !ok {
		m = newSharedMap()
		d.maps[name] = m
	}
	return m
}

func (d *Doc) Text(name string) crdt.SharedText {
	t, ok := d.texts[name]
	if !ok {
		t = newSharedText()
		d.texts[name] = t
	}
	return t
}
