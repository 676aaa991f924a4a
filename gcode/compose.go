package gcode

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// yieldInterval is how long composition runs before handing control back.
	yieldInterval = 50 * time.Millisecond
	// gzipBatch is how much text is collected before it is fed to the compressor.
	gzipBatch = 256 << 10
)

// ComposeOptions controls Compose.
type ComposeOptions struct {
	Gzip bool
	// Yield is called roughly every 50 ms of work. It may be nil.
	Yield func()
}

// Compose concatenates the gcode chunks into one payload, optionally gzipped.
// It stops early when ctx is cancelled.
func Compose(ctx context.Context, lines []string, opts ComposeOptions) ([]byte, error) {
	var (
		out   bytes.Buffer
		batch bytes.Buffer
		zw    *gzip.Writer
	)
	if opts.Gzip {
		zw = gzip.NewWriter(&out)
	}

	flush := func() error {
		if zw == nil || batch.Len() == 0 {
			return nil
		}
		if _, err := zw.Write(batch.Bytes()); err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
		batch.Reset()
		return nil
	}

	last := time.Now()
	for _, chunk := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dst := &out
		if zw != nil {
			dst = &batch
		}
		dst.WriteString(chunk)
		if !strings.HasSuffix(chunk, "\n") {
			dst.WriteByte('\n')
		}

		if batch.Len() >= gzipBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}

		if time.Since(last) >= yieldInterval {
			if opts.Yield != nil {
				opts.Yield()
			}
			last = time.Now()
		}
	}

	if zw != nil {
		if err := flush(); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("finishing gzip stream: %w", err)
		}
	}
	return out.Bytes(), nil
}

// FileName builds the upload name for a job.
func FileName(jobName string, gzipped bool) string {
	name := jobName + ".gcode"
	if gzipped {
		name += ".gz"
	}
	return name
}
