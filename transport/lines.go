package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/john/printlink/logger"
)

const (
	lineBufferSize  = 64 << 10
	lineReadTimeout = 5 * time.Second
	lineDialTimeout = 5 * time.Second
	lineWriteWait   = 5 * time.Second
)

// LineConn is a persistent line-oriented TCP connection. Incoming bytes are
// accumulated and handed to OnLine one complete line at a time on the serial
// context.
type LineConn struct {
	loop Poster
	log  *logger.Logger

	// OnLine receives each line without its terminator.
	OnLine func(line string)
	// OnClosed is called once when the connection drops or is closed by the peer.
	OnClosed func(err error)

	mu      sync.Mutex
	conn    net.Conn
	buf     *ringbuffer.RingBuffer
	stopped atomic.Bool
	done    chan struct{}
}

// NewLineConn returns an unopened connection.
func NewLineConn(loop Poster, log *logger.Logger) *LineConn {
	return &LineConn{
		loop: loop,
		log:  log,
		buf:  ringbuffer.New(lineBufferSize).SetBlocking(false),
	}
}

// Open dials address:port in the background and reports the result on the
// serial context.
func (lc *LineConn) Open(address string, port int, onOpen func(error)) {
	lc.stopped.Store(false)
	go func() {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), lineDialTimeout)
		if err != nil {
			err = fmt.Errorf("dialing %s: %w", address, classify(err))
		}

		lc.mu.Lock()
		if err == nil && lc.stopped.Load() {
			conn.Close()
			err = ErrClosed
		}
		if err == nil {
			lc.conn = conn
			lc.done = make(chan struct{})
			lc.buf.Reset()
			go lc.readLoop(conn, lc.done)
		}
		lc.mu.Unlock()

		lc.loop.Post(func() {
			if onOpen != nil && !lc.stopped.Load() {
				onOpen(err)
			}
		})
	}()
}

// Connected reports whether the connection is open.
func (lc *LineConn) Connected() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.conn != nil
}

// SendLine writes line terminated by CRLF.
func (lc *LineConn) SendLine(line string) error {
	lc.mu.Lock()
	conn := lc.conn
	lc.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(lineWriteWait))
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("writing line: %w", classify(err))
	}
	return nil
}

// Close shuts the connection down and waits for the reader to exit. OnClosed
// is not called for a local close.
func (lc *LineConn) Close() {
	lc.stopped.Store(true)
	lc.mu.Lock()
	conn, done := lc.conn, lc.done
	lc.conn = nil
	lc.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	<-done
}

func (lc *LineConn) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	chunk := make([]byte, 4096)
	for {
		if lc.stopped.Load() {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(lineReadTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			if lines := lc.accumulate(chunk[:n]); len(lines) > 0 {
				lc.loop.Post(func() {
					if lc.stopped.Load() || lc.OnLine == nil {
						return
					}
					for _, l := range lines {
						lc.OnLine(l)
					}
				})
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if lc.stopped.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			lc.log.Warnw("line connection dropped", "err", err)
			lc.mu.Lock()
			if lc.conn == conn {
				lc.conn = nil
			}
			lc.mu.Unlock()
			conn.Close()
			lc.loop.Post(func() {
				if !lc.stopped.Load() && lc.OnClosed != nil {
					lc.OnClosed(err)
				}
			})
			return
		}
	}
}

// accumulate appends data to the ring and returns every complete line.
// A line longer than the ring is dropped.
func (lc *LineConn) accumulate(data []byte) []string {
	if _, err := lc.buf.Write(data); err != nil {
		lc.log.Warnw("line buffer overflow, dropping partial line", "err", err)
		lc.buf.Reset()
		return nil
	}

	var lines []string
	for {
		pending := lc.buf.Bytes(nil)
		idx := bytes.IndexByte(pending, '\n')
		if idx < 0 {
			return lines
		}
		raw := make([]byte, idx+1)
		if _, err := lc.buf.Read(raw); err != nil {
			return lines
		}
		lines = append(lines, string(bytes.TrimRight(raw, "\r\n")))
	}
}
