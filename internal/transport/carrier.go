package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/danmuck/kicadipc/internal/protocol/frame"
	"github.com/gorilla/websocket"
)

// carrier moves whole frames over one physical connection.
// ReadFrame is only ever called from the receive loop.
type carrier interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(b []byte, deadline time.Time) error
	Close() error
}

type streamCarrier struct {
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
}

func (c *streamCarrier) ReadFrame() (frame.Frame, error) {
	return frame.ReadFrame(c.reader, c.limits)
}

func (c *streamCarrier) WriteFrame(b []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(b)
	return err
}

func (c *streamCarrier) Close() error {
	return c.conn.Close()
}

// wsCarrier carries one frame per binary websocket message.
type wsCarrier struct {
	conn   *websocket.Conn
	limits frame.Limits
}

func (c *wsCarrier) ReadFrame() (frame.Frame, error) {
	kind, b, err := c.conn.ReadMessage()
	if err != nil {
		return frame.Frame{}, err
	}
	if kind != websocket.BinaryMessage {
		return frame.Frame{}, fmt.Errorf("transport: unexpected websocket message type %d", kind)
	}
	return frame.Unmarshal(b, c.limits)
}

func (c *wsCarrier) WriteFrame(b []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsCarrier) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(100*time.Millisecond),
	)
	return c.conn.Close()
}

func dialCarrier(ctx context.Context, ep Endpoint, cfg Config) (carrier, error) {
	limits := cfg.Limits
	switch ep.Scheme {
	case SchemeIPC, SchemeUnix, SchemeTCP:
		network := "unix"
		if ep.Scheme == SchemeTCP {
			network = "tcp"
		}
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, network, ep.Address)
		if err != nil {
			return nil, err
		}
		return &streamCarrier{conn: conn, reader: bufio.NewReader(conn), limits: limits}, nil
	case SchemeWS, SchemeWSS:
		dialer := websocket.Dialer{}
		if ep.Scheme == SchemeWSS {
			u, err := url.Parse(ep.Address)
			if err != nil {
				return nil, err
			}
			tlsCfg, err := cfg.TLS.Build(u.Hostname())
			if err != nil {
				return nil, err
			}
			dialer.TLSClientConfig = tlsCfg
		}
		if deadline, ok := ctx.Deadline(); ok {
			dialer.HandshakeTimeout = time.Until(deadline)
		}
		conn, _, err := dialer.DialContext(ctx, ep.Address, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(int64(limits.MaxPayloadBytes + limits.MaxAuthBytes + uint64(frame.FixedHeaderLen)))
		return &wsCarrier{conn: conn, limits: limits}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", ep.Scheme)
	}
}
