package sentinel

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestCaptureBody(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		limit         int64
		wantCaptured  string
		wantTruncated bool
	}{
		{"under limit", "hello", 10, "hello", false},
		{"exactly at limit", "0123456789", 10, "0123456789", false},
		{"over limit", "0123456789abcdef", 10, "0123456789", true},
		{"empty", "", 10, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &closeTracker{Reader: strings.NewReader(tt.body)}
			captured, truncated, forward, err := captureBody(src, tt.limit)
			if err != nil {
				t.Fatalf("captureBody failed: %v", err)
			}
			if string(captured) != tt.wantCaptured {
				t.Errorf("captured = %q, want %q", captured, tt.wantCaptured)
			}
			if truncated != tt.wantTruncated {
				t.Errorf("truncated = %v, want %v", truncated, tt.wantTruncated)
			}

			// The forwarded stream is never truncated.
			all, err := io.ReadAll(forward)
			if err != nil {
				t.Fatalf("read forward: %v", err)
			}
			if string(all) != tt.body {
				t.Errorf("forwarded = %q, want %q", all, tt.body)
			}
			_ = forward.Close()
			if !src.closed {
				t.Error("source body was not closed")
			}
		})
	}
}

func TestCaptureBody_LargeStream(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 3*MB)
	captured, truncated, forward, err := captureBody(io.NopCloser(bytes.NewReader(payload)), 1*MB)
	if err != nil {
		t.Fatalf("captureBody failed: %v", err)
	}
	if !truncated {
		t.Error("expected truncation")
	}
	if len(captured) != 1*MB {
		t.Errorf("captured %d bytes, want %d", len(captured), 1*MB)
	}
	n, err := io.Copy(io.Discard, forward)
	if err != nil {
		t.Fatalf("copy forward: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("forwarded %d bytes, want %d", n, len(payload))
	}
}

func TestCaptureBody_NoBody(t *testing.T) {
	captured, truncated, forward, err := captureBody(http.NoBody, 10)
	if err != nil {
		t.Fatalf("captureBody failed: %v", err)
	}
	if captured != nil || truncated || forward != http.NoBody {
		t.Errorf("captureBody(NoBody) = %v, %v, %v", captured, truncated, forward)
	}
}

func TestCaptureBody_ZeroLimit(t *testing.T) {
	captured, truncated, forward, err := captureBody(io.NopCloser(strings.NewReader("abc")), 0)
	if err != nil {
		t.Fatalf("captureBody failed: %v", err)
	}
	if len(captured) != 0 || !truncated {
		t.Errorf("captured = %q, truncated = %v", captured, truncated)
	}
	all, _ := io.ReadAll(forward)
	if string(all) != "abc" {
		t.Errorf("forwarded = %q, want abc", all)
	}
}
