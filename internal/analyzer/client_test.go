package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, url string, cfg Config) *Client {
	t.Helper()
	cfg.Endpoint = url
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	c, err := NewClient(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	return c
}

func TestAnalyzeSuccess(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, AnalyzePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"data":[{"label":"cat - 93%","bounds":[[1,2],[3,4]]}],
			"image_size":[640,480],"error_code":null,"message":null,"request_id":"req-1","retry_after":null}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/", Config{})
	resp, err := c.Analyze(context.Background(), Request{Image: "data:image/jpeg;base64,AAAA", Mode: ModeObject, Hint: "  kitchen\n\x07 "})
	require.NoError(t, err)

	assert.Equal(t, ModeObject, got.Mode)
	assert.Equal(t, "kitchen", got.Hint)
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"cat - 93%"}, resp.Labels())
	assert.Equal(t, []int{640, 480}, resp.ImageSize)
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestAnalyzeRejectsUnknownMode(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", Config{})
	_, err := c.Analyze(context.Background(), Request{Mode: "xray"})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestAnalyzeQuota(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		header    string
		wantIs    error
		wantAfter int
	}{
		{
			name:      "minute",
			body:      `{"ok":false,"data":[],"error_code":"APP_RATE_LIMITED","message":"slow down","request_id":"r","retry_after":12,"limit_type":"minute"}`,
			wantIs:    ErrQuotaMinute,
			wantAfter: 12,
		},
		{
			name:   "daily",
			body:   `{"ok":false,"data":[],"error_code":"APP_RATE_LIMITED","message":"tomorrow","request_id":"r","retry_after":60,"limit_type":"daily"}`,
			wantIs: ErrQuotaDaily, wantAfter: 60,
		},
		{
			name:      "model quota without limit type",
			body:      `{"ok":false,"data":[],"error_code":"GEMINI_RATE_LIMITED","message":"busy","request_id":"r","retry_after":30}`,
			wantIs:    ErrQuotaMinute,
			wantAfter: 30,
		},
		{
			name:      "header fallback",
			body:      `not json`,
			header:    "7",
			wantIs:    ErrQuotaMinute,
			wantAfter: 7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, Config{}).Analyze(context.Background(), Request{Mode: ModeText})
			require.ErrorIs(t, err, tt.wantIs)
			ae, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantAfter, ae.RetryAfter)
			assert.Equal(t, http.StatusTooManyRequests, ae.Status)
		})
	}
}

func TestAnalyzeApplicationRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-Request-Id", "hdr-9")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"ok":false,"data":[],"error_code":"SAFETY_BLOCKED","message":"blocked","retry_after":null}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, Config{MaxRetries: 3}).Analyze(context.Background(), Request{Mode: ModeLabel})
	require.ErrorIs(t, err, ErrRejected)
	ae, _ := AsError(err)
	assert.Equal(t, "SAFETY_BLOCKED", ae.Code)
	assert.Equal(t, "blocked", ae.Message)
	assert.Equal(t, "hdr-9", ae.RequestID)
	assert.Equal(t, int32(1), calls.Load(), "HTTP responses are never retried")
}

func TestAnalyzeOkFalseOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":false,"data":[],"error_code":"PARSE_ERROR","message":"bad"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, Config{}).Analyze(context.Background(), Request{Mode: ModeText})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestAnalyzeMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>oops</html>`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, Config{}).Analyze(context.Background(), Request{Mode: ModeText})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestAnalyzeTimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, Config{Timeout: 50 * time.Millisecond, MaxRetries: 3})
	_, err := c.Analyze(context.Background(), Request{Mode: ModeText})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnalyzeTransportFailureRetriedThenSurfaced(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{MaxRetries: 2})
	_, err := c.Analyze(context.Background(), Request{Mode: ModeText})
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestAnalyzeCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newTestClient(t, srv.URL, Config{}).Analyze(ctx, Request{Mode: ModeText})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSanitizeHint(t *testing.T) {
	assert.Equal(t, "abc", SanitizeHint("\t a\x00b\nc  "))
	long := strings.Repeat("あ", 250)
	assert.Len(t, []rune(SanitizeHint(long)), MaxHintRunes)
	assert.Equal(t, "", SanitizeHint("\n\r"))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" WEB ")
	require.NoError(t, err)
	assert.Equal(t, ModeWeb, m)
	_, err = ParseMode("")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestPacerDisabledDoesNotBlock(t *testing.T) {
	p := NewPacer(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(ctx))
	}
}

func TestPacerSpacesRequests(t *testing.T) {
	p := NewPacer(60)
	ctx := context.Background()
	require.NoError(t, p.Wait(ctx))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(short), "second request within the same second must wait")

	p.SetPerMinute(0)
	assert.NoError(t, p.Wait(ctx))
}

func TestPacerSetPerMinuteDoesNotWaitForBlockedCaller(t *testing.T) {
	p := NewPacer(1)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := make(chan error, 1)
	go func() { waitErr <- p.Wait(ctx) }()
	time.Sleep(20 * time.Millisecond)

	changed := make(chan struct{})
	go func() {
		p.SetPerMinute(120)
		close(changed)
	}()
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("SetPerMinute blocked behind a paced caller")
	}

	cancel()
	assert.Error(t, <-waitErr)
}
