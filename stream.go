package vsock

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultStreamBufferSize = 4096
	defaultPollInterval     = time.Millisecond
	// maxStreamChunk caps the body of a single data packet written by StreamConn.
	maxStreamChunk = 64 << 10
	closeTimeout   = 2 * time.Second
)

type streamState uint8

const (
	streamConnecting streamState = iota
	streamEstablished
	// streamPeerShutdown: the peer shut down, buffered data may still be read.
	streamPeerShutdown
	streamReset
	streamClosed
)

// StreamConfig configures a StreamConn.
type StreamConfig struct {
	// RxBufferSize is the receive capacity advertised to the peer. Defaults to 4096.
	RxBufferSize int
	// PollInterval is slept between polls that make no progress. Defaults to 1ms.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// StreamConn is a [net.Conn] over one vsock stream connection. It polls the
// driver from the calling goroutine and assumes it is the only consumer of
// the driver's events; events for other connections are dropped.
type StreamConn struct {
	mu       sync.Mutex
	d        *Driver
	ci       ConnectionInfo
	state    streamState
	rbuf     []byte
	roff     int
	rend     int
	pollBuf  [RxBufferSize]byte
	rdead    time.Time
	wdead    time.Time
	interval time.Duration
	logger   *slog.Logger
}

var _ net.Conn = (*StreamConn)(nil)

// Dial connects to dst from srcPort and waits until the peer accepts, refuses
// or ctx is done. On success the receive buffer is advertised to the peer.
func Dial(ctx context.Context, d *Driver, dst Addr, srcPort uint32, cfg StreamConfig) (*StreamConn, error) {
	if cfg.RxBufferSize <= 0 {
		cfg.RxBufferSize = defaultStreamBufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	c := &StreamConn{
		d:        d,
		ci:       NewConnectionInfo(dst, srcPort),
		rbuf:     make([]byte, cfg.RxBufferSize),
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
	}
	c.ci.SetLocalBufAlloc(uint32(cfg.RxBufferSize))
	err := d.Connect(dst, srcPort)
	if err != nil {
		return nil, err
	}
	for {
		progress, err := c.pollLocked()
		if err != nil {
			return nil, err
		}
		switch c.state {
		case streamEstablished:
			err = d.CreditUpdate(&c.ci, uint32(len(c.rbuf)))
			if err != nil {
				return nil, err
			}
			c.debug("dialed", slog.String("dst", dst.String()), slog.Uint64("src_port", uint64(srcPort)))
			return c, nil
		case streamReset, streamPeerShutdown:
			return nil, ErrConnectionRefused
		}
		if err := ctx.Err(); err != nil {
			d.ForceClose(&c.ci)
			return nil, errors.Wrap(err, "vsock: dial")
		}
		if !progress {
			time.Sleep(c.interval)
		}
	}
}

// Read reads buffered data, polling the driver until some arrives, the peer
// shuts down (io.EOF) or the read deadline passes.
func (c *StreamConn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		c.mu.Lock()
		if c.rend > c.roff {
			n := copy(b, c.rbuf[c.roff:c.rend])
			c.roff += n
			if c.roff == c.rend {
				c.roff, c.rend = 0, 0
			}
			c.ci.DoneForwarding(n)
			var err error
			if c.state == streamEstablished {
				err = c.d.CreditUpdate(&c.ci, uint32(len(c.rbuf)))
			}
			c.mu.Unlock()
			return n, err
		}
		err := c.stateErr(true)
		if err != nil {
			c.mu.Unlock()
			return 0, err
		}
		progress, err := c.pollLocked()
		deadline := c.rdead
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		if !progress {
			time.Sleep(c.interval)
		}
	}
}

// Write sends b in chunks no larger than the peer's free buffer space,
// polling for credit updates when the peer has none.
func (c *StreamConn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		c.mu.Lock()
		err := c.stateErr(false)
		if err != nil {
			c.mu.Unlock()
			return written, err
		}
		chunk := b[written:]
		free := int(c.ci.PeerFree())
		if free > 0 {
			chunk = chunk[:min(len(chunk), free, maxStreamChunk)]
		}
		// With no free space Send requests credit once and fails.
		err = c.d.Send(chunk, &c.ci)
		progress := err == nil
		if progress {
			written += len(chunk)
		} else if err != ErrInsufficientBufferSpaceInPeer {
			c.mu.Unlock()
			return written, err
		}
		if !progress {
			progress, err = c.pollLocked()
		}
		deadline := c.wdead
		c.mu.Unlock()
		if err != nil {
			return written, err
		}
		if written < len(b) && !deadline.IsZero() && time.Now().After(deadline) {
			return written, os.ErrDeadlineExceeded
		}
		if !progress {
			time.Sleep(c.interval)
		}
	}
	return written, nil
}

// Close shuts the connection down and waits briefly for the peer to
// acknowledge before resetting it.
func (c *StreamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case streamClosed:
		return net.ErrClosed
	case streamReset, streamPeerShutdown:
		// Already reset by or for the peer.
		c.state = streamClosed
		return nil
	}
	err := c.d.Shutdown(&c.ci)
	if err != nil {
		c.state = streamClosed
		return err
	}
	deadline := time.Now().Add(closeTimeout)
	for c.state == streamEstablished && time.Now().Before(deadline) {
		progress, err := c.pollLocked()
		if err != nil {
			break
		}
		if !progress {
			time.Sleep(c.interval)
		}
	}
	if c.state == streamEstablished {
		c.debug("peer did not acknowledge shutdown, resetting", slog.String("dst", c.ci.Dst.String()))
		err = c.d.ForceClose(&c.ci)
	}
	c.state = streamClosed
	return err
}

func (c *StreamConn) LocalAddr() net.Addr {
	return Addr{CID: c.d.GuestCID(), Port: c.ci.SrcPort}
}

func (c *StreamConn) RemoteAddr() net.Addr { return c.ci.Dst }

func (c *StreamConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdead, c.wdead = t, t
	c.mu.Unlock()
	return nil
}

func (c *StreamConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdead = t
	c.mu.Unlock()
	return nil
}

func (c *StreamConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.wdead = t
	c.mu.Unlock()
	return nil
}

// stateErr returns the error a read or write fails with in the current state.
func (c *StreamConn) stateErr(read bool) error {
	switch c.state {
	case streamEstablished:
		return nil
	case streamPeerShutdown:
		if read {
			return io.EOF
		}
		return ErrNotConnected
	case streamReset:
		return ErrConnectionReset
	case streamClosed:
		return net.ErrClosed
	}
	return ErrNotConnected
}

// pollLocked handles at most one event. progress is true if an event was received.
func (c *StreamConn) pollLocked() (progress bool, err error) {
	ev, ok, err := c.d.PollRecv(c.pollBuf[:])
	if err != nil {
		if err == ErrClosed {
			return false, err
		}
		// Malformed packets do not take the connection down.
		c.warn("poll", slog.String("err", err.Error()))
		return true, nil
	}
	if !ok {
		return false, nil
	}
	if !ev.MatchesConnection(&c.ci, c.d.GuestCID()) {
		c.debug("dropping event for other connection", slog.Any("ev", ev))
		return true, nil
	}
	c.ci.UpdateForEvent(&ev)
	switch ev.Type {
	case EventConnected:
		if c.state == streamConnecting {
			c.state = streamEstablished
		}

	case EventReceived:
		if c.state != streamEstablished {
			break
		}
		if ev.Length > len(c.rbuf)-(c.rend-c.roff) {
			c.warn("peer exceeded advertised buffer", slog.Int("len", ev.Length))
			c.state = streamReset
			return true, c.d.ForceClose(&c.ci)
		}
		if c.rend+ev.Length > len(c.rbuf) {
			c.rend = copy(c.rbuf, c.rbuf[c.roff:c.rend])
			c.roff = 0
		}
		c.rend += copy(c.rbuf[c.rend:], c.pollBuf[:ev.Length])

	case EventCreditRequest:
		err = c.d.CreditUpdate(&c.ci, uint32(len(c.rbuf)))

	case EventDisconnected:
		if ev.Reason == DisconnectReset || c.state != streamEstablished {
			c.state = streamReset
			break
		}
		c.state = streamPeerShutdown
		// Acknowledge the peer's shutdown.
		err = c.d.ForceClose(&c.ci)
	}
	return true, err
}

func (c *StreamConn) debug(msg string, attrs ...slog.Attr) {
	if c.logger != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (c *StreamConn) warn(msg string, attrs ...slog.Attr) {
	if c.logger != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
	}
}
