package wsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/replica"
)

// Client is a remote editor of one field. It keeps its own automerge document in sync with the
// server's replica.
type Client struct {
	conn *websocket.Conn

	mu  sync.Mutex
	doc *automerge.Doc
	ss  *automerge.SyncState

	changed chan struct{}
}

// Dial opens a session for id on the server at baseURL (http or ws scheme).
func Dial(ctx context.Context, baseURL string, id field.ID, mode field.Mode, user string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	u = u.JoinPath("ws", url.PathEscape(id.String()))
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if mode == field.Structured {
		q.Set("type", "structured")
	}
	if user != "" {
		q.Set("user", user)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	doc := automerge.New()
	return &Client{
		conn:    conn,
		doc:     doc,
		ss:      automerge.NewSyncState(doc),
		changed: make(chan struct{}, 1),
	}, nil
}

// Run exchanges sync messages until the connection closes or ctx is done. The returned error is
// the reason the server ended the session, if any.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	// the server may already have refused the session, which the read below reports
	_ = c.flush()
	for {
		mt, p, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.mu.Lock()
		_, err = c.ss.ReceiveMessage(p)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to receive message: %w", err)
		}
		select {
		case c.changed <- struct{}{}:
		default:
		}
		if err := c.flush(); err != nil {
			return err
		}
	}
}

func (c *Client) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		msg, valid := c.ss.GenerateMessage()
		if !valid {
			return nil
		}
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.Bytes()); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
}

// Changed receives a value after every message from the server. Signals coalesce.
func (c *Client) Changed() <-chan struct{} {
	return c.changed
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, _ := c.doc.Path(replica.TextKey).Text().Get()
	return s
}

// Splice edits the local text and sends the change to the server.
func (c *Client) Splice(pos, del int, s string) error {
	c.mu.Lock()
	t := c.doc.Path(replica.TextKey).Text()
	err := t.Splice(pos, del, s)
	if err == nil {
		_, err = c.doc.Commit("edit")
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to edit: %w", err)
	}
	return c.flush()
}

// Append adds s to the end of the local text.
func (c *Client) Append(s string) error {
	c.mu.Lock()
	n := c.doc.Path(replica.TextKey).Text().Len()
	c.mu.Unlock()
	return c.Splice(n, 0, s)
}

// Send writes a JSON control message such as a restore or an awareness update.
func (c *Client) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
