package session

import (
	"bytes"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/john/printlink/event"
	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/transport"
)

const (
	cameraBufferSize   = 2 << 20
	cameraRestartDelay = time.Second
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// camera cuts JPEG frames out of an MJPEG stream.
type camera struct {
	s       *Session
	url     string
	buf     *ringbuffer.RingBuffer
	req     *transport.Request
	restart *eventloop.Timer
	running bool
	latest  []byte
	frames  int
}

// StartCamera starts streaming frames as cameraFrame events.
func (s *Session) StartCamera() error {
	if s.client == nil || s.state == Closed {
		return ErrNotAccepting
	}
	url := s.drv.cameraURL()
	if url == "" {
		return ErrUnsupported
	}
	if s.camera != nil && s.camera.running {
		return nil
	}
	s.camera = &camera{s: s, url: url, buf: ringbuffer.New(cameraBufferSize).SetBlocking(false)}
	s.camera.start()
	return nil
}

// StopCamera stops the stream. It is idempotent.
func (s *Session) StopCamera() {
	if s.camera == nil {
		return
	}
	s.camera.stop()
}

// CameraFrame returns the last complete frame.
func (s *Session) CameraFrame() []byte {
	if s.camera == nil {
		return nil
	}
	return s.camera.latest
}

func (c *camera) start() {
	c.running = true
	c.buf.Reset()
	c.s.log.Debugw("camera stream starting", "url", c.url)
	c.req = c.s.client.Stream(c.url, c.onChunk, c.onFinished)
}

func (c *camera) stop() {
	c.running = false
	c.restart.Stop()
	c.restart = nil
	c.req.Abort()
	c.buf.Reset()
}

func (c *camera) onChunk(data []byte) {
	if !c.running {
		return
	}
	if c.buf.Free() < len(data) {
		c.s.log.Warnw("camera buffer overflow, restarting stream")
		c.req.Abort()
		c.start()
		return
	}
	if _, err := c.buf.Write(data); err != nil {
		c.s.log.Warnw("buffering camera data", "error", err)
		return
	}
	c.extract()
}

// extract emits every complete frame in the buffer.
func (c *camera) extract() {
	for {
		pending := c.buf.Bytes(nil)
		start := bytes.Index(pending, jpegStart)
		if start < 0 {
			// Keep a trailing 0xFF that may begin the next marker.
			c.discard(len(pending) - 1)
			return
		}
		end := bytes.Index(pending[start+2:], jpegEnd)
		if end < 0 {
			c.discard(start)
			return
		}
		end += start + 2 + len(jpegEnd)
		frame := make([]byte, end-start)
		copy(frame, pending[start:end])
		c.discard(end)

		c.latest = frame
		c.frames++
		c.s.emit(event.CameraFrame, "", "", frame)
	}
}

func (c *camera) discard(n int) {
	if n <= 0 {
		return
	}
	scratch := make([]byte, n)
	_, _ = c.buf.Read(scratch)
}

func (c *camera) onFinished(r *transport.Reply) {
	if !c.running {
		return
	}
	c.s.log.Debugw("camera stream ended, restarting", "status", r.StatusCode, "error", r.Err)
	c.restart = c.s.loop.AfterFunc(cameraRestartDelay, func() {
		c.restart = nil
		if c.running && c.s.state != Closed {
			c.start()
		}
	})
}
