package sentinel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Common body size constants for convenience.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// ErrBodyTruncated is returned when an edit targets a body that was only
// partially captured. Such bodies are forwarded unmodified.
var ErrBodyTruncated = errors.New("captured body was truncated")

// captureBody reads at most limit bytes of body into memory for the
// transaction record. The returned forward reader always yields the
// complete body: the captured prefix followed by whatever was not read.
// Only the captured copy is bounded.
//
// A limit of zero or less captures nothing.
func captureBody(body io.ReadCloser, limit int64) (captured []byte, truncated bool, forward io.ReadCloser, err error) {
	if body == nil || body == http.NoBody {
		return nil, false, http.NoBody, nil
	}
	if limit <= 0 {
		return nil, true, body, nil
	}

	buf, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		_ = body.Close()
		return nil, false, nil, fmt.Errorf("read body: %w", err)
	}

	if int64(len(buf)) <= limit {
		_ = body.Close()
		return buf, false, io.NopCloser(bytes.NewReader(buf)), nil
	}

	return buf[:limit], true, &prefixedReadCloser{
		Reader: io.MultiReader(bytes.NewReader(buf), body),
		closer: body,
	}, nil
}

// prefixedReadCloser replays an already-read prefix before the rest of a
// body and closes the underlying body.
type prefixedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (p *prefixedReadCloser) Close() error {
	return p.closer.Close()
}

// bodyLength returns the Content-Length to advertise for a forwarded body,
// or -1 when it is unknown.
func bodyLength(captured []byte, truncated bool, declared int64) int64 {
	if truncated {
		return declared
	}
	return int64(len(captured))
}
