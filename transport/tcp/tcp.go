// Package tcp carries frames over TCP connections.
//
// Every process dials one connection to each peer for sending and accepts connections from the peers for receiving.
// A connection starts with a hello line in each direction carrying the process ids.
// After that every line is one frame.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"rmcast/log"
	"rmcast/message"
	"rmcast/transport"
)

const (
	DefaultMaxFrameSize     = 1 << 20
	DefaultOutboxSize       = 256
	DefaultHandshakeTimeout = 5 * time.Second
	writeTimeout            = 10 * time.Second
)

type Config struct {
	ID message.ProcessID
	// The peers to dial. The ids may be empty, they are learned from the handshake
	Peers            []transport.Peer
	Dial             transport.DialPolicy
	OutboxSize       int
	MaxFrameSize     int
	HandshakeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Dial.Attempts == 0 {
		c.Dial = transport.DefaultDialPolicy()
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Transport implements transport.Transport over TCP
type Transport struct {
	*transport.Mesh

	cfg Config
	ln  net.Listener
	ctx context.Context

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	in   chan transport.Inbound
	wg   sync.WaitGroup
	once sync.Once
}

// Bind addr and start the transport.
//
// Failing to bind is the only error; peers that cannot be reached are retried in the background.
func Listen(ctx context.Context, addr string, cfg Config) (*Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return New(ctx, ln, cfg), nil
}

// Start the transport on a bound listener.
//
// The transport takes ownership of the listener. ctx only carries log tags; use Close to stop the transport.
func New(ctx context.Context, ln net.Listener, cfg Config) *Transport {
	cfg.setDefaults()
	ctx = log.WithTag(ctx, "tcp", ln.Addr().String())
	t := &Transport{
		cfg:   cfg,
		ln:    ln,
		ctx:   ctx,
		conns: make(map[net.Conn]struct{}),
		in:    make(chan transport.Inbound, cfg.OutboxSize),
	}
	t.Mesh = transport.NewMesh(ctx, cfg.Peers, t.dial, cfg.Dial, cfg.OutboxSize, cfg.MaxFrameSize)
	t.wg.Add(1)
	go t.accept()
	return t
}

// The address the transport listens on
func (t *Transport) Addr() net.Addr {
	return t.ln.Addr()
}

func (t *Transport) Inbound() <-chan transport.Inbound {
	return t.in
}

// Close the listener and every connection. The inbound channel is closed once every reader has stopped
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		_ = t.Mesh.Close()
		err = t.ln.Close()
		t.mu.Lock()
		for conn := range t.conns {
			_ = conn.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
		close(t.in)
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close listener")
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, addr string) (transport.Conn, message.ProcessID, error) {
	d := net.Dialer{Timeout: t.cfg.HandshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, "", err
	}
	_ = conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	if err := writeHello(conn, t.cfg.ID); err != nil {
		_ = conn.Close()
		return nil, "", errors.Mark(errors.Wrap(err, "write hello"), ErrHandshake)
	}
	id, err := readHello(bufio.NewReader(conn))
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	_ = conn.SetDeadline(time.Time{})
	return &outConn{conn: conn}, id, nil
}

// The sending side of a connection
type outConn struct {
	conn net.Conn
	buf  bytes.Buffer
}

func (c *outConn) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return errors.New("tcp: frame contains a newline")
	}
	c.buf.Reset()
	c.buf.Write(frame)
	c.buf.WriteByte('\n')
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(c.buf.Bytes())
	return err
}

func (c *outConn) Close() error {
	return c.conn.Close()
}

func (t *Transport) accept() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if !t.IsClosed() {
				log.Errorf(t.ctx, "accept: %v", err)
			}
			return
		}
		t.mu.Lock()
		if t.IsClosed() {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.wg.Add(1)
		t.mu.Unlock()
		go t.read(conn)
	}
}

// Read frames from an accepted connection until it is closed
func (t *Transport) read(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()
	ctx := log.WithTag(t.ctx, "remote", conn.RemoteAddr().String())

	r := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	from, err := readHello(r)
	if err == nil {
		err = writeHello(conn, t.cfg.ID)
	}
	if err != nil {
		log.Warningf(ctx, "handshake: %v", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	log.Infof(ctx, "accepted connection from %s", from)

	for {
		line, err := readFrame(r, t.cfg.MaxFrameSize)
		if errors.Is(err, transport.ErrFrameTooLarge) {
			log.Warningf(ctx, "dropping frame from %s: %v", from, err)
			continue
		}
		if err != nil {
			if err != io.EOF && !t.IsClosed() {
				log.Warningf(ctx, "connection from %s: %v", from, err)
				return
			}
			log.Infof(ctx, "connection from %s closed", from)
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		select {
		case t.in <- transport.Inbound{From: from, Frame: line}:
		case <-t.Done():
			return
		}
	}
}

// Read the next line without its newline.
//
// A line longer than limit is consumed up to its newline and ErrFrameTooLarge is returned,
// so the reader stays at a frame boundary. The returned slice is owned by the caller.
func readFrame(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	size := 0
	for {
		chunk, err := r.ReadSlice('\n')
		n := len(chunk)
		if err == nil {
			n--
		}
		size += n
		if size <= limit {
			line = append(line, chunk[:n]...)
		} else {
			line = nil
		}
		switch {
		case err == nil && size > limit:
			return nil, errors.Wrapf(transport.ErrFrameTooLarge, "%d bytes, limit %d", size, limit)
		case err == nil:
			if line == nil {
				line = []byte{}
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == io.EOF && size > 0 && size <= limit:
			// The last line was not terminated
			return line, nil
		default:
			return nil, err
		}
	}
}
