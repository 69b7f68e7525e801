package signaling

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Options tune the websocket transport.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // zero disables the read deadline
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Conn is one persistent websocket. Frames are handed to the handler in arrival
// order from a single read goroutine. After Close no handler call starts.
type Conn struct {
	ws      *websocket.Conn
	opts    Options
	writeMu sync.Mutex
	live    atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// Dial opens a websocket to rawURL.
func Dial(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{ws: ws, opts: opts, done: make(chan struct{})}
	c.live.Store(true)
	return c, nil
}

// Run reads frames until the socket closes, calling handle for each one.
// It returns the read error that ended the loop, or nil after Close.
func (c *Conn) Run(handle func([]byte)) error {
	defer close(c.done)

	for {
		if c.opts.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.live.Load() {
				return nil
			}
			return err
		}
		if !c.live.Load() {
			return nil
		}
		handle(data)
	}
}

// WriteJSON sends v as a single text frame.
func (c *Conn) WriteJSON(v Message) error {
	data, err := EncodeMessage(v)
	if err != nil {
		return err
	}
	return c.WriteText(data)
}

// WriteText sends a raw text frame.
func (c *Conn) WriteText(data []byte) error {
	if !c.live.Load() {
		return fmt.Errorf("write on closed channel")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Live reports whether Close has not been called.
func (c *Conn) Live() bool {
	return c.live.Load()
}

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the socket. Calling it more than once is a no-op.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.live.Store(false)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// WebsocketURL converts an http(s) or ws(s) base URL into a websocket URL for path.
func WebsocketURL(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid signaling URL scheme: %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String(), nil
}
