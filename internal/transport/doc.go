package transport

import (
	"context"
	"log/slog"

	"github.com/mrmd/monitor/internal/crdt"
)

// Doc wraps a local crdt.Doc (in practice a memdoc.Doc) so that every
// local mutation is also broadcast to the sync server as an Op, and
// every Op received from the server is applied to the same local doc.
// coord and docwriter operate against a *Doc exactly as they would
// against a bare memdoc.Doc; replication is transparent to them.
type Doc struct {
	underlying crdt.Doc
	client     *Client
	log        *slog.Logger

	maps  map[string]*repMap
	texts map[string]*repText
}

func NewDoc(underlying crdt.Doc, client *Client, log *slog.Logger) *Doc {
	if log == nil {
		log = slog.Default()
	}
	return &Doc{
		underlying: underlying,
		client:     client,
		log:        log,
		maps:       make(map[string]*repMap),
		texts:      make(map[string]*repText),
	}
}

func (d *Doc) ClientID() uint64 { return d.underlying.ClientID() }

func (d *Doc) Map(name string) crdt.SharedMap {
	if m, ok := d.maps[name]; ok {
		return m
	}
	m := &repMap{name: name, inner: d.underlying.Map(name), client: d.client, log: d.log}
	d.maps[name] = m
	return m
}

func (d *Doc) Text(name string) crdt.SharedText {
	if t, ok := d.texts[name]; ok {
		return t
	}
	t := &repText{name: name, inner: d.underlying.Text(name), client: d.client, log: d.log}
	d.texts[name] = t
	return t
}

// ApplyOp applies an Op received from the sync server directly to the
// underlying doc, bypassing the broadcasting wrapper so the edit is not
// echoed back to the server that just sent it.
func (d *Doc) ApplyOp(op Op) {
	switch op.Kind {
	case OpMapSet:
		d.underlying.Map(op.MapName).Set(op.Key, op.Value)
	case OpMapDelete:
		d.underlying.Map(op.MapName).Delete(op.Key)
	case OpTextInsert:
		d.underlying.Text(op.TextName).Insert(op.Index, op.Text)
	case OpTextDelete:
		d.underlying.Text(op.TextName).Delete(op.Index, op.Length)
	default:
		d.log.Warn("unknown op kind", "kind", op.Kind)
	}
}

// ApplySyncState applies a freshly received snapshot to the underlying
// doc: every key in the snapshot's maps is set (keys absent from the
// snapshot are left as they are), and each snapshot text replaces that
// shared text's content.
func (d *Doc) ApplySyncState(state SyncState) {
	for mapName, values := range state.Maps {
		sm := d.underlying.Map(mapName)
		for key, value := range values {
			sm.Set(key, value)
		}
	}
	for textName, content := range state.Texts {
		st := d.underlying.Text(textName)
		if current := st.String(); current != "" {
			st.Delete(0, len([]rune(current)))
		}
		st.Insert(0, content)
	}
}

// repMap broadcasts every local Set/Delete as an Op after applying it
// to the underlying SharedMap.
type repMap struct {
	name   string
	inner  crdt.SharedMap
	client *Client
	log    *slog.Logger
}

func (m *repMap) Get(key string) (any, bool) { return m.inner.Get(key) }
func (m *repMap) Keys() []string             { return m.inner.Keys() }

func (m *repMap) Set(key string, value any) {
	m.inner.Set(key, value)
	if err := m.client.SendOp(context.Background(), Op{Kind: OpMapSet, MapName: m.name, Key: key, Value: value}); err != nil {
		m.log.Warn("failed to broadcast map set", "map", m.name, "key", key, "error", err)
	}
}

func (m *repMap) Delete(key string) {
	m.inner.Delete(key)
	if err := m.client.SendOp(context.Background(), Op{Kind: OpMapDelete, MapName: m.name, Key: key}); err != nil {
		m.log.Warn("failed to broadcast map delete", "map", m.name, "key", key, "error", err)
	}
}

func (m *repMap) Observe(fn func(key string, action crdt.ChangeAction)) func() {
	return m.inner.Observe(fn)
}

// repText broadcasts every local Insert/Delete as an Op. Transact's
// atomicity is preserved for local observers (it passes through to the
// underlying SharedText) but not across the wire: a remote peer sees
// the transaction's Insert/Delete ops as they are sent, individually.
type repText struct {
	name   string
	inner  crdt.SharedText
	client *Client
	log    *slog.Logger
}

func (t *repText) String() string { return t.inner.String() }

func (t *repText) Insert(index int, s string) {
	t.inner.Insert(index, s)
	if err := t.client.SendOp(context.Background(), Op{Kind: OpTextInsert, TextName: t.name, Index: index, Text: s}); err != nil {
		t.log.Warn("failed to broadcast text insert", "text", t.name, "error", err)
	}
}

func (t *repText) Delete(index, length int) {
	t.inner.Delete(index, length)
	if err := t.client.SendOp(context.Background(), Op{Kind: OpTextDelete, TextName: t.name, Index: index, Length: length}); err != nil {
		t.log.Warn("failed to broadcast text delete", "text", t.name, "error", err)
	}
}

func (t *repText) Transact(fn func()) { t.inner.Transact(fn) }

func (t *repText) CreatePosition(index int) crdt.Position { return t.inner.CreatePosition(index) }

func (t *repText) ResolvePosition(pos crdt.Position) (int, bool) {
	return t.inner.ResolvePosition(pos)
}

func (t *repText) Observe(fn func()) func() { return t.inner.Observe(fn) }
