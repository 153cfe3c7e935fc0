// Package streamtransport implements transport.StreamTransport over a
// gorilla/websocket connection dialed out to a streaming endpoint,
// with ping/pong keepalive matching the teacher's hub-side connection
// handling, re-expressed here as a client dialer instead of a server.
package streamtransport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaelmesh/whisperlink/internal/errkind"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 * 1024 * 1024
)

// wireFrame carries one encrypted envelope plus its destination/origin
// peer id; the frame itself never carries plaintext.
type wireFrame struct {
	PeerID   string `json:"peer_id"`
	Envelope []byte `json:"envelope"`
}

// WSClient is a bidirectional envelope stream dialed against a
// WebSocket endpoint. It implements transport.StreamTransport.
type WSClient struct {
	conn   *websocket.Conn
	logger *log.Logger

	sendMu sync.Mutex

	incoming chan incomingFrame
	done     chan struct{}
	closeErr error
	closeMu  sync.Mutex
}

type incomingFrame struct {
	peerID   string
	envelope []byte
	err      error
}

// Dial connects to a streaming endpoint at url (e.g. "wss://host/stream")
// carrying a bearer token for authentication, and starts its read and
// keepalive pumps.
func Dial(ctx context.Context, url string, bearerToken string) (*WSClient, error) {
	header := http.Header{}
	if bearerToken != "" {
		header.Set("Authorization", "Bearer "+bearerToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, "dial stream endpoint", err)
	}

	c := &WSClient{
		conn:     conn,
		logger:   log.New(log.Writer(), "[STREAM] ", log.Ldate|log.Ltime|log.LUTC),
		incoming: make(chan incomingFrame, 64),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.keepalivePump()

	return c, nil
}

func (c *WSClient) readPump() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.closeMu.Lock()
			c.closeErr = errkind.Wrap(errkind.Transport, "read stream frame", err)
			c.closeMu.Unlock()
			close(c.incoming)
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Printf("dropping malformed frame: %v", err)
			continue
		}
		c.incoming <- incomingFrame{peerID: frame.PeerID, envelope: frame.Envelope}
	}
}

func (c *WSClient) keepalivePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.sendMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes an encrypted envelope addressed to peerID.
func (c *WSClient) Send(ctx context.Context, peerID string, envelope []byte) error {
	frame, err := json.Marshal(wireFrame{PeerID: peerID, Envelope: envelope})
	if err != nil {
		return errkind.Wrap(errkind.Protocol, "encode stream frame", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errkind.Wrap(errkind.Transport, "write stream frame", err)
	}
	return nil
}

// Receive blocks until the next inbound envelope arrives, the
// connection closes, or ctx is cancelled.
func (c *WSClient) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case frame, ok := <-c.incoming:
		if !ok {
			c.closeMu.Lock()
			err := c.closeErr
			c.closeMu.Unlock()
			if err == nil {
				err = errkind.New(errkind.Transport, "stream closed")
			}
			return "", nil, err
		}
		return frame.peerID, frame.envelope, nil
	case <-ctx.Done():
		return "", nil, errkind.Wrap(errkind.Transport, "receive cancelled", ctx.Err())
	}
}

// Close closes the underlying WebSocket connection.
func (c *WSClient) Close() error {
	if err := c.conn.Close(); err != nil {
		return errkind.Wrap(errkind.Transport, "close stream connection", err)
	}
	return nil
}
