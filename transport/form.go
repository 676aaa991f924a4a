package transport

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"
)

// FormPart is one part of a multipart/form-data body. Parts with a FileName
// are sent as file parts.
type FormPart struct {
	Name        string
	FileName    string
	ContentType string
	Data        []byte
}

// maxReadChunk bounds a single body read so progress follows the socket.
const maxReadChunk = 4 << 10

// formBody is an encoded multipart body. The file span locates the data of
// the first file part, or the whole body when there is none.
type formBody struct {
	data        []byte
	contentType string
	fileOffset  int64
	fileLen     int64
}

func encodeForm(parts []FormPart) (*formBody, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fb := &formBody{fileOffset: -1}
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		if p.FileName != "" {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, p.Name, p.FileName))
			ct := p.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h.Set("Content-Type", ct)
		} else {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, p.Name))
			if p.ContentType != "" {
				h.Set("Content-Type", p.ContentType)
			}
		}
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if p.FileName != "" && fb.fileOffset < 0 {
			fb.fileOffset, fb.fileLen = int64(buf.Len()), int64(len(p.Data))
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	fb.data, fb.contentType = buf.Bytes(), w.FormDataContentType()
	if fb.fileOffset < 0 {
		fb.fileOffset, fb.fileLen = 0, int64(len(fb.data))
	}
	return fb, nil
}

// PostForm uploads a multipart body. onProgress receives monotonically
// increasing counts of file data bytes out of the file part's length,
// throttled to the configured interval, with a final call once the whole
// file is handed to the connection. The request has no overall timeout;
// callers watch progress instead.
func (c *Client) PostForm(path string, parts []FormPart, onFinished Callback, onProgress ProgressFunc) *Request {
	body, err := encodeForm(parts)
	if err != nil {
		return c.fail(http.MethodPost, path, fmt.Errorf("encoding form: %w", err), onFinished)
	}

	r, ctx, hc := c.start(0)
	if r == nil {
		return abortedRequest()
	}

	go func() {
		pr := &progressReader{
			r:        bytes.NewReader(body.data),
			offset:   body.fileOffset,
			total:    body.fileLen,
			interval: c.opts.ProgressInterval,
			report:   func(sent, total int64) { r.progress(onProgress, sent, total) },
		}
		reply := &Reply{Method: http.MethodPost, Path: path}
		req, err := c.newHTTPRequest(ctx, http.MethodPost, path, body.contentType, pr)
		if err != nil {
			reply.Err = err
		} else {
			req.ContentLength = int64(len(body.data))
			c.execute(hc, req, reply)
		}
		r.deliver(reply, onFinished)
	}()
	return r
}

// progressReader counts the file bytes read by the HTTP transport. Bytes
// before offset are multipart framing and do not count.
type progressReader struct {
	r        io.Reader
	offset   int64
	total    int64
	interval time.Duration
	report   func(sent, total int64)

	mu       sync.Mutex
	read     int64
	last     time.Time
	reported int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	if len(b) > maxReadChunk {
		b = b[:maxReadChunk]
	}
	n, err := p.r.Read(b)

	p.mu.Lock()
	p.read += int64(n)
	sent := min(max(p.read-p.offset, 0), p.total)
	now := time.Now()
	emit := sent > p.reported && (sent == p.total || now.Sub(p.last) >= p.interval)
	if emit {
		p.last = now
		p.reported = sent
	}
	p.mu.Unlock()

	if emit {
		p.report(sent, p.total)
	}
	return n, err
}
