package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]ClientOption{
		WithHTTPClient(srv.Client()),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
	}, opts...)
	c, err := NewClient(map[string]string{"doctors": srv.URL + "/api"}, opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRequest_Envelope(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/doctors", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"data":       []map[string]any{{"id": "d1"}},
			"pagination": map[string]any{"page": 2, "limit": 10, "total": 11, "totalPages": 2},
		})
	}))

	resp := c.Session("req-1", "en").Request(context.Background(),
		Get("doctors", "/doctors", map[string][]string{"page": {"2"}}))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, 11, resp.Pagination.Total)

	var out []struct{ ID string }
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "d1", out[0].ID)
}

func TestRequest_ForwardsHeaders(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-42", r.Header.Get("X-Request-ID"))
		assert.Equal(t, "ar", r.Header.Get("Accept-Language"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Cardiology", body["name"])
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": map[string]any{"id": "dep-1"}})
	}))

	resp := c.Session("req-42", "ar").Request(context.Background(),
		Post("doctors", "departments", map[string]any{"name": "Cardiology"}))
	assert.True(t, resp.Success)
}

func TestRequest_BareBodyIsData(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "d1"})
	}))
	resp := c.Session("r", "en").Request(context.Background(), Get("doctors", "/doctors/d1", nil))
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"id":"d1"}`, string(resp.Data))
}

func TestRequest_Failures(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode string
		wantMsg  string
	}{
		{
			name: "upstream reported failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": map[string]any{"message": "nope", "code": "CONFLICT"}})
			},
			wantCode: "CONFLICT",
			wantMsg:  "nope",
		},
		{
			name: "not found with string error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "doctor not found"})
			},
			wantCode: "HTTP_404",
			wantMsg:  "doctor not found",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantCode: "HTTP_502",
			wantMsg:  "Bad Gateway",
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
			wantCode: CodeBadResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler, WithMaxRetries(0))
			resp := c.Session("r", "en").Request(context.Background(), Get("doctors", "/x", nil))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Error.Message)
			}
		})
	}
}

func TestRequest_UnknownService(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	resp := c.Session("r", "en").Request(context.Background(), Get("billing", "/x", nil))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeUnknownService, resp.Error.Code)
}

func TestRequest_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), WithTimeout(20*time.Millisecond), WithMaxRetries(0))
	defer close(release)

	resp := c.Session("r", "en").Request(context.Background(), Get("doctors", "/slow", nil))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeTimeout, resp.Error.Code)
}

func TestRequest_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := NewClient(map[string]string{"doctors": addr}, WithMaxRetries(0))
	require.NoError(t, err)
	resp := c.Session("r", "en").Request(context.Background(), Get("doctors", "/x", nil))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeUnavailable, resp.Error.Code)
}

func TestRequest_RetriesIdempotentCalls(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": "ok"})
	}), WithMaxRetries(2))

	resp := c.Session("r", "en").Request(context.Background(), Get("doctors", "/x", nil))
	assert.True(t, resp.Success)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRequest_DoesNotRetryWrites(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), WithMaxRetries(3))

	resp := c.Session("r", "en").Request(context.Background(), Post("doctors", "/x", map[string]any{}))
	assert.False(t, resp.Success)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRequest_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), WithMaxRetries(3))

	c.Session("r", "en").Request(context.Background(), Get("doctors", "/x", nil))
	assert.EqualValues(t, 1, calls.Load())
}

func TestBatchRequest_PositionMatched(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/doctors/")
		// Earlier keys answer later so completion order differs from input order.
		n := 5 - int(id[len(id)-1]-'0')
		time.Sleep(time.Duration(n) * 5 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"id": id}})
	}))

	var calls []CallSpec
	for i := 1; i <= 5; i++ {
		calls = append(calls, Get("doctors", fmt.Sprintf("/doctors/d%d", i), nil))
	}
	got := c.Session("r", "en").BatchRequest(context.Background(), calls)
	require.Len(t, got, 5)
	for i, resp := range got {
		var d struct{ ID string }
		require.NoError(t, resp.Decode(&d))
		assert.Equal(t, fmt.Sprintf("d%d", i+1), d.ID)
	}
}

func TestBatchRequest_PartialFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/doctors/")
		if id == "d2" || id == "d4" {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "missing"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"id": id}})
	}))

	var calls []CallSpec
	for i := 1; i <= 5; i++ {
		calls = append(calls, Get("doctors", fmt.Sprintf("/doctors/d%d", i), nil))
	}
	got := c.Session("r", "en").BatchRequest(context.Background(), calls)

	var ok, failed int
	for i, resp := range got {
		if resp.Success {
			ok++
			continue
		}
		failed++
		assert.Contains(t, []int{1, 3}, i)
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, failed)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(map[string]string{"x": "not a url"})
	assert.Error(t, err)
}

func TestResponseError_UnmarshalBothShapes(t *testing.T) {
	var a, b ResponseError
	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"message":"m","code":"C"}`), &b))
	assert.Equal(t, "plain", a.Message)
	assert.Equal(t, ResponseError{Message: "m", Code: "C"}, b)
}
