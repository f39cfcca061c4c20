package webchat

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrRequestFailed wraps the text of an "error" event received by a Client.
var ErrRequestFailed = errors.New("request failed")

// Client is a minimal relay client. It sends one request at a time and is not safe for concurrent use.
type Client struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

// Dial connects to a relay endpoint such as ws://localhost:8080/ws. A non-empty token is sent as
// the connect-time credential.
func Dial(ctx context.Context, endpoint, token string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	return &Client{conn: conn, readTimeout: 2*time.Minute + 30*time.Second}, nil
}

// Ask sends req and calls onChunk for every fragment until the request ends. It returns the full
// reply, or an error wrapping ErrRequestFailed when the relay answered with an error event.
func (c *Client) Ask(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	if c == nil || c.conn == nil {
		return "", errors.New("client is not connected")
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := c.conn.WriteJSON(req); err != nil {
		return "", errors.Wrap(err, "send request")
	}
	var reply []byte
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return "", err
		}
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", errors.Wrap(err, "read event")
		}
		switch ev.Type {
		case EventStart:
		case EventChunk:
			reply = append(reply, ev.Content...)
			if onChunk != nil {
				onChunk(ev.Content)
			}
		case EventEnd:
			return string(reply), nil
		case EventError:
			return "", errors.Wrap(ErrRequestFailed, ev.Error)
		}
	}
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
