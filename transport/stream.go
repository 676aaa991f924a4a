package transport

import (
	"io"
	"net/http"
)

const streamChunkSize = 32 << 10

// Stream issues a GET and hands each body chunk to onChunk on the serial
// context until the body ends, an error occurs or the request is aborted.
// onFinished receives the terminal reply with an empty body.
func (c *Client) Stream(url string, onChunk func([]byte), onFinished Callback) *Request {
	r, ctx, hc := c.start(0)
	if r == nil {
		return abortedRequest()
	}

	go func() {
		reply := &Reply{Method: http.MethodGet, Path: url}
		req, err := c.newHTTPRequest(ctx, http.MethodGet, url, "", nil)
		if err != nil {
			reply.Err = err
			r.deliver(reply, onFinished)
			return
		}
		resp, err := hc.Do(req)
		if err != nil {
			reply.Err = classify(err)
			r.deliver(reply, onFinished)
			return
		}
		defer resp.Body.Close()
		reply.StatusCode = resp.StatusCode
		reply.Header = resp.Header

		buf := make([]byte, streamChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				c.loop.Post(func() {
					if !r.aborted.Load() && onChunk != nil {
						onChunk(chunk)
					}
				})
			}
			if err != nil {
				if err != io.EOF {
					reply.Err = classify(err)
				}
				break
			}
		}
		r.deliver(reply, onFinished)
	}()
	return r
}
