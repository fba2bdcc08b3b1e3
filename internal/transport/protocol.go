package transport

// MessageType discriminates the envelopes exchanged with the sync
// server. This is this port's own minimal wire protocol for
// replicating a memdoc.Doc-shaped document between peers — a stand-in
// for whatever binary CRDT protocol a production sync server speaks.
type MessageType string

const (
	TypeHello     MessageType = "hello"
	TypeSyncState MessageType = "sync_state"
	TypeOp        MessageType = "op"
	TypeAwareness MessageType = "awareness"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
	TypeError     MessageType = "error"
)

// Envelope is the outer shape of every message. Payload is left as raw
// JSON and decoded according to Type.
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

// Hello identifies this peer and the document it wants to join.
type Hello struct {
	ClientID uint64 `json:"clientId"`
	Doc      string `json:"doc"`
	Name     string `json:"name,omitempty"`
}

// SyncState carries a full snapshot of the document's maps and shared
// text, sent by the server right after a successful Hello and used by
// a reconnecting client to catch up.
type SyncState struct {
	Maps  map[string]map[string]any `json:"maps"`
	Texts map[string]string         `json:"texts"`
}

// OpKind names the primitive document mutation an Op carries.
type OpKind string

const (
	OpMapSet      OpKind = "map_set"
	OpMapDelete   OpKind = "map_delete"
	OpTextInsert  OpKind = "text_insert"
	OpTextDelete  OpKind = "text_delete"
)

// Op is one primitive edit, broadcast to every peer on the document.
// It mirrors the crdt.SharedMap/SharedText primitives directly since
// this protocol's convergence rule is last-writer-wins per key/index,
// not a true CRDT merge.
type Op struct {
	Kind OpKind `json:"kind"`

	MapName string `json:"mapName,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   any    `json:"value,omitempty"`

	TextName string `json:"textName,omitempty"`
	Index    int    `json:"index,omitempty"`
	Length   int    `json:"length,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Awareness is an ephemeral, non-persisted broadcast (presence, cursor
// position) — never applied to the document itself.
type Awareness struct {
	ClientID uint64 `json:"clientId"`
	State    any    `json:"state"`
}
