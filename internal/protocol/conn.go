package protocol

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultWriteTimeout bounds a single message write.
	DefaultWriteTimeout = 10 * time.Second
	// MaxPayload bounds the raw bytes following STDIN or SEND_STDIN.
	MaxPayload = 16 << 20
)

// Conn is a bound bidirectional channel to one launched process.
// Writes are serialized; reads are expected from a single goroutine.
type Conn struct {
	conn         net.Conn
	r            *bufio.Reader
	wmu          sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewConn wraps c. r must be the reader already used on c, if any, so
// buffered bytes are not lost.
func NewConn(c net.Conn, r *bufio.Reader) *Conn {
	if r == nil {
		r = bufio.NewReader(c)
	}
	return &Conn{conn: c, r: r, writeTimeout: DefaultWriteTimeout, done: make(chan struct{})}
}

// SetWriteTimeout changes the per-message write deadline; zero disables it.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send writes one message.
func (c *Conn) Send(words ...string) error {
	return c.send(nil, words...)
}

// SendWithPayload writes one message followed by raw payload bytes.
func (c *Conn) SendWithPayload(payload []byte, words ...string) error {
	return c.send(payload, words...)
}

func (c *Conn) send(payload []byte, words ...string) error {
	buf, err := AppendMessage(nil, words...)
	if err != nil {
		return err
	}
	buf = append(buf, payload...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := c.conn.Write(buf); err != nil {
		return errors.Wrapf(err, "write %s", words[0])
	}
	return nil
}

// ReadMessage reads the next message. io.EOF means the peer closed cleanly.
func (c *Conn) ReadMessage() ([]string, error) {
	return ReadMessage(c.r)
}

// ReadPayload reads exactly n raw bytes.
func (c *Conn) ReadPayload(n int) ([]byte, error) {
	if n < 0 || n > MaxPayload {
		return nil, Violation("payload length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		return nil, errors.Wrap(err, "read payload")
	}
	return b, nil
}

// Close closes the underlying socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		close(c.done)
	})
	return c.closeErr
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }
