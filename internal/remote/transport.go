package remote

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ROOT-Sim/core-sub001/internal/event"
)

// FrameKind distinguishes the payload carried by a Frame.
type FrameKind uint8

const (
	// FrameMessage carries an event or anti-message bound for an LP
	// owned by the receiving node.
	FrameMessage FrameKind = iota
	// FrameGVT carries one node's contribution to a GVT round.
	FrameGVT
)

// Frame is the unit exchanged between nodes, gob-encoded and sent as a
// single binary WebSocket message.
type Frame struct {
	Kind  FrameKind
	Msg   *event.Message
	Round uint64
	GVT   event.Time
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Transport moves Frames between nodes over persistent WebSocket
// connections, one per peer. Inbound frames are handed to onFrame as
// they arrive, on a dedicated goroutine per peer connection.
type Transport struct {
	onFrame func(peerID string, f Frame)

	mu    sync.Mutex
	peers map[string]*websocket.Conn
}

// NewTransport creates a Transport that invokes onFrame for every
// frame received from any peer.
func NewTransport(onFrame func(peerID string, f Frame)) *Transport {
	return &Transport{onFrame: onFrame, peers: make(map[string]*websocket.Conn)}
}

// Handler returns an http.Handler that upgrades incoming connections
// and registers them under the peer ID reported in the X-Node-Id
// header, ready for serving via net/http.
func (t *Transport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerID := r.Header.Get("X-Node-Id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		t.AddPeer(peerID, conn)
	})
}

// Dial opens an outbound connection to a peer node and registers it
// under peerID.
func (t *Transport) Dial(peerID, url string) error {
	header := http.Header{}
	header.Set("X-Node-Id", peerID)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return fmt.Errorf("remote: dial %s: %w", peerID, err)
	}
	t.AddPeer(peerID, conn)
	return nil
}

// AddPeer registers an already-established connection and starts
// reading frames from it.
func (t *Transport) AddPeer(peerID string, conn *websocket.Conn) {
	t.mu.Lock()
	t.peers[peerID] = conn
	t.mu.Unlock()
	go t.readLoop(peerID, conn)
}

func (t *Transport) readLoop(peerID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			delete(t.peers, peerID)
			t.mu.Unlock()
			return
		}
		var f Frame
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			continue
		}
		if t.onFrame != nil {
			t.onFrame(peerID, f)
		}
	}
}

// Send gob-encodes f and writes it as a single binary message to the
// named peer.
func (t *Transport) Send(peerID string, f Frame) error {
	t.mu.Lock()
	conn, ok := t.peers[peerID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("remote: no connection to node %q", peerID)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("remote: encode frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

// Broadcast sends f to every currently connected peer, returning the
// first error encountered (after attempting delivery to all of them).
func (t *Transport) Broadcast(f Frame) error {
	t.mu.Lock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := t.Send(id, f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close shuts down every peer connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, conn := range t.peers {
		conn.Close()
		delete(t.peers, id)
	}
}
