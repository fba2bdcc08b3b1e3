package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestClientSendsHelloAndReceivesSyncState(t *testing.T) {
	helloReceived := make(chan Hello, 1)

	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env struct {
			Type    MessageType `json:"type"`
			Payload Hello       `json:"payload"`
		}
		json.Unmarshal(data, &env)
		helloReceived <- env.Payload

		state := Envelope{Type: TypeSyncState, Payload: SyncState{
			Maps:  map[string]map[string]any{"executions": {}},
			Texts: map[string]string{"content": "hello"},
		}}
		out, _ := json.Marshal(state)
		conn.Write(ctx, websocket.MessageText, out)

		<-ctx.Done()
	})

	c := New(wsURL(srv.URL), 7, "doc-1", nil)
	var gotState SyncState
	stateReceived := make(chan struct{}, 1)
	c.OnSyncState = func(s SyncState) {
		gotState = s
		stateReceived <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case hello := <-helloReceived:
		if hello.ClientID != 7 || hello.Doc != "doc-1" {
			t.Errorf("hello = %+v", hello)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received hello")
	}

	select {
	case <-stateReceived:
	case <-time.After(time.Second):
		t.Fatal("OnSyncState never fired")
	}
	if gotState.Texts["content"] != "hello" {
		t.Errorf("gotState = %+v", gotState)
	}
}

func TestClientDispatchesOp(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Read(ctx) // hello

		op := Envelope{Type: TypeOp, Payload: Op{Kind: OpMapSet, MapName: "executions", Key: "exec-1", Value: "x"}}
		out, _ := json.Marshal(op)
		conn.Write(ctx, websocket.MessageText, out)
		<-ctx.Done()
	})

	c := New(wsURL(srv.URL), 1, "doc-1", nil)
	gotOp := make(chan Op, 1)
	c.OnOp = func(op Op) { gotOp <- op }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case op := <-gotOp:
		if op.Key != "exec-1" || op.Value != "x" {
			t.Errorf("op = %+v", op)
		}
	case <-time.After(time.Second):
		t.Fatal("OnOp never fired")
	}
}
