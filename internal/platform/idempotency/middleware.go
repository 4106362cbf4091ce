package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/httpx"
)

const (
	DefaultHeader = "Idempotency-Key"
	ReplayHeader  = "Idempotent-Replayed"
)

type options struct {
	header string
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// Option customises Middleware.
type Option func(*options)

func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Middleware makes requests carrying an idempotency key replay-safe. Requests without
// the header pass straight through. A repeated key with the same method, path, caller
// and body replays the stored response; a different body or an in-flight duplicate is a 409.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	o := options{header: DefaultHeader, ttl: DefaultTTL, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(o.header))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > 255 {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "Idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "Unable to read request body", http.StatusBadRequest))
				return
			}

			caller := auth.ActorID(ctx)
			if caller == "" {
				caller = "anonymous"
			}
			scoped := caller + "|" + key
			fingerprint := fingerprintOf(r, caller, body)

			claim, err := store.Claim(ctx, scoped, fingerprint, o.clock(), o.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "Idempotency key was already used for a different request", http.StatusConflict))
				return
			case err != nil:
				o.logger.Error("idempotency claim failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "Unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch claim.Outcome {
			case OutcomeReplay:
				replay(w, claim.Entry)
				return
			case OutcomeInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "A request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			rec := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(rec, r)

			// Server errors are not remembered so the client may retry with the same key.
			if rec.statusCode() >= http.StatusInternalServerError {
				if err := store.Abandon(ctx, scoped); err != nil {
					o.logger.Warn("idempotency abandon failed", zap.Error(err))
				}
			} else if err := store.Complete(ctx, scoped, fingerprint, Response{
				StatusCode: rec.statusCode(),
				Header:     rec.header,
				Body:       rec.body.Bytes(),
			}, o.clock(), o.ttl); err != nil {
				o.logger.Warn("idempotency complete failed", zap.Error(err))
				_ = store.Abandon(ctx, scoped)
			}
			rec.flushTo(w)
		})
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func fingerprintOf(r *http.Request, caller string, body []byte) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('|')
	b.WriteString(r.URL.Path)
	b.WriteByte('|')
	b.WriteString(caller)
	b.WriteByte('|')
	b.WriteString(sha256Hex(body))
	return sha256Hex([]byte(b.String()))
}

func replay(w http.ResponseWriter, entry Entry) {
	for name, values := range entry.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	code := entry.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	_, _ = w.Write(entry.Body)
}

// bufferedWriter holds the downstream response until it has been stored.
type bufferedWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.code == 0 {
		b.code = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range b.header {
		dst[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
