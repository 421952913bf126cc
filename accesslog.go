package sentinel

import (
	"context"
	"log/slog"
	"net/url"
)

// TransactionLogger writes one structured record per proxied transaction.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type TransactionLogger struct {
	logger *slog.Logger
}

// NewTransactionLogger creates a TransactionLogger that writes to logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewTransactionLogger(logger *slog.Logger) *TransactionLogger {
	return &TransactionLogger{logger: logger}
}

// Log writes tx. Values are the effective ones, so an edited request is
// logged as it was forwarded. note carries an error or disposition such as
// "dropped" and is omitted when empty.
func (tl *TransactionLogger) Log(ctx context.Context, tx *HTTPTransaction, note string) {
	req := tx.Request
	attrs := make([]slog.Attr, 0, 16)

	host, path := req.EffectiveURL(), ""
	if u, err := url.Parse(req.EffectiveURL()); err == nil {
		host, path = u.Host, u.Path
	}

	attrs = append(attrs,
		slog.String("id", req.ID),
		slog.Time("timestamp", req.Timestamp),
		slog.String("method", req.EffectiveMethod()),
		slog.String("host", host),
		slog.String("path", path),
		slog.Bool("tls", req.TLS),
		slog.String("client", req.ClientAddr),
		slog.Int64("request_bytes", req.BodySize),
	)
	if req.WasEdited {
		attrs = append(attrs, slog.Bool("request_edited", true))
	}
	if req.BodyTruncated {
		attrs = append(attrs, slog.Bool("request_truncated", true))
	}

	if resp := tx.Response(); resp != nil {
		attrs = append(attrs,
			slog.Int("status", resp.EffectiveStatus()),
			slog.Int64("response_bytes", resp.BodySize),
			slog.Duration("duration", resp.Duration),
		)
		if resp.ContentEncoding != "" {
			attrs = append(attrs, slog.String("encoding", resp.ContentEncoding))
		}
		if resp.WasEdited {
			attrs = append(attrs, slog.Bool("response_edited", true))
		}
		if resp.BodyTruncated {
			attrs = append(attrs, slog.Bool("response_truncated", true))
		}
	}

	if note != "" {
		attrs = append(attrs, slog.String("note", note))
	}
	if ua := req.Headers.Get("User-Agent"); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}

	tl.logger.LogAttrs(ctx, slog.LevelInfo, "transaction", attrs...)
}
