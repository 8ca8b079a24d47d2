package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Transport is the single duplex channel to the execution backend. Reads
// happen from exactly one goroutine (the demux loop); writes may come from
// many and must be internally serialized.
type Transport interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Dialer establishes a fresh Transport, used for the initial connection and
// every transport-level reconnect.
type Dialer func(ctx context.Context) (Transport, error)

// wsTransport carries frames as JSON text messages over a websocket.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWS returns a Dialer for the backend's websocket endpoint.
func DialWS(url string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", url, err)
		}
		conn.SetReadLimit(1024 * 1024)
		return &wsTransport{conn: conn}, nil
	}
}

// NewWSTransport wraps an already-accepted websocket connection. The
// backend server side uses this for its half of the channel.
func NewWSTransport(conn *websocket.Conn) Transport {
	conn.SetReadLimit(1024 * 1024)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame(ctx context.Context) (Frame, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("transport read: %w", err)
	}
	return DecodeFrame(data)
}

func (t *wsTransport) WriteFrame(ctx context.Context, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport write %s frame: %w", f.Kind, err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
