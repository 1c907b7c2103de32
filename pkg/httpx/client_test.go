package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type failingReadCloser struct{}

func (failingReadCloser) Read(p []byte) (int, error) { return 0, errors.New("read failed") }
func (failingReadCloser) Close() error               { return nil }

func okResponse(body string) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{}}
}

// scripted answers attempt n with steps[n], repeating the last step.
func scripted(attempts *int32, steps ...func() (*http.Response, error)) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		n := int(atomic.AddInt32(attempts, 1)) - 1
		if n >= len(steps) {
			n = len(steps) - 1
		}
		return steps[n]()
	})}
}

func TestRequestJSONRetryPolicy(t *testing.T) {
	status := func(code int, body string) func() (*http.Response, error) {
		return func() (*http.Response, error) {
			return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{}}, nil
		}
	}
	dialErr := func() (*http.Response, error) { return nil, errors.New("dial failed") }
	badRead := func() (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: failingReadCloser{}, Header: http.Header{}}, nil
	}
	ok := func() (*http.Response, error) { return okResponse(`{"service":"billing"}`), nil }

	tests := []struct {
		name         string
		steps        []func() (*http.Response, error)
		retries      int
		wantStatus   int
		wantAttempts int32
		wantErr      string
	}{
		{name: "503 retried then ok", steps: []func() (*http.Response, error){status(503, `{}`), ok}, retries: 1, wantStatus: 200, wantAttempts: 2},
		{name: "last 5xx returned", steps: []func() (*http.Response, error){status(502, `{}`)}, retries: 2, wantStatus: 502, wantAttempts: 3},
		{name: "403 envelope not retried", steps: []func() (*http.Response, error){status(403, `{"error":{"code":"INSUFFICIENT_PERMISSIONS"}}`)}, retries: 3, wantStatus: 403, wantAttempts: 1},
		{name: "transport error retried", steps: []func() (*http.Response, error){dialErr, ok}, retries: 1, wantStatus: 200, wantAttempts: 2},
		{name: "read error retried", steps: []func() (*http.Response, error){badRead, ok}, retries: 1, wantStatus: 200, wantAttempts: 2},
		{name: "negative retries means one try", steps: []func() (*http.Response, error){dialErr}, retries: -3, wantAttempts: 1, wantErr: "dial failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var attempts int32
			code, _, err := RequestJSON(context.Background(), scripted(&attempts, tc.steps...), http.MethodPost, "http://gateway.test/admin/circuits/reset", nil, nil, tc.retries, 0)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected %q error, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if code != tc.wantStatus || attempts != tc.wantAttempts {
				t.Fatalf("status=%d attempts=%d, want %d and %d", code, attempts, tc.wantStatus, tc.wantAttempts)
			}
		})
	}
}

func TestRequestJSONHeadersAndBody(t *testing.T) {
	var gotAuth, gotType, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotAccept = r.Header.Get("Accept")
		WriteJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	}))
	defer srv.Close()

	code, body, err := RequestJSON(context.Background(), nil, http.MethodPost, srv.URL, []byte(`{"all":true}`), map[string]string{"Authorization": "Bearer adm"}, 0, 0)
	if err != nil || code != http.StatusCreated || !strings.Contains(string(body), `"ok":true`) {
		t.Fatalf("unexpected result %d %s %v", code, body, err)
	}
	if gotAuth != "Bearer adm" || gotType != "application/json" || gotAccept != "application/json" {
		t.Fatalf("unexpected headers auth=%q type=%q accept=%q", gotAuth, gotType, gotAccept)
	}

	// No body, no content type.
	if _, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, 0, 0); err != nil || gotType != "" {
		t.Fatalf("unexpected content type %q err %v", gotType, err)
	}
}

func TestRequestJSONBadMethod(t *testing.T) {
	if _, _, err := RequestJSON(context.Background(), http.DefaultClient, "bad method", "http://gateway.test", nil, nil, 0, 0); err == nil {
		t.Fatal("expected invalid method error")
	}
}

func TestRequestJSONStopsRetryingWhenContextEnds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := RequestJSON(ctx, srv.Client(), http.MethodGet, srv.URL, nil, nil, 5, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected a single attempt before the deadline, got %d", attempts)
	}
}
