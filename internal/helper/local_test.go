package helper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalExecutor_Exec(t *testing.T) {
	e := NewLocalExecutor(time.Second, false)

	tests := []struct {
		name string
		req  ExecRequest
		want ExecResponse
	}{
		{
			name: "stdin to stdout",
			req:  ExecRequest{ID: "1", Argv: []string{"cat"}, Stdin: "hello"},
			want: ExecResponse{ID: "1", Exit: 0, Stdout: "hello"},
		},
		{
			name: "non-zero exit with stderr",
			req:  ExecRequest{ID: "2", Argv: []string{"sh", "-c", "echo oops >&2; exit 3"}},
			want: ExecResponse{ID: "2", Exit: 3, Stderr: "oops\n"},
		},
		{
			name: "empty argv",
			req:  ExecRequest{ID: "3"},
			want: ExecResponse{ID: "3", Exit: 127, Stderr: "empty argv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Exec(context.Background(), tt.req, nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalExecutor_MissingBinary(t *testing.T) {
	e := NewLocalExecutor(time.Second, false)

	got := e.Exec(context.Background(), ExecRequest{ID: "1", Argv: []string{"/nonexistent/distbuild-test"}}, nil)

	assert.Equal(t, 127, got.Exit)
	assert.Contains(t, got.Stderr, "/nonexistent/distbuild-test")
}

func TestLocalExecutor_StreamsOutput(t *testing.T) {
	e := NewLocalExecutor(time.Second, true)

	var mu sync.Mutex
	var stdout string
	got := e.Exec(context.Background(), ExecRequest{ID: "s", Argv: []string{"echo", "built"}}, func(out ExecOutput) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "s", out.ID)
		stdout += out.Stdout
	})

	assert.Equal(t, 0, got.Exit)
	assert.Empty(t, got.Stdout)
	assert.Equal(t, "built\n", stdout)
}

func TestLocalExecutor_CancelKillsProcess(t *testing.T) {
	e := NewLocalExecutor(time.Second, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan ExecResponse)
	go func() { done <- e.Exec(ctx, ExecRequest{ID: "1", Argv: []string{"sleep", "30"}}, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case got := <-done:
		assert.NotEqual(t, 0, got.Exit)
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
}

func TestLocalExecutor_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(r.Header.Get("X-Test") + ":" + string(body)))
	}))
	defer srv.Close()

	e := NewLocalExecutor(time.Second, false)

	got := e.HTTP(context.Background(), HTTPRequest{
		ID:      "h",
		URL:     srv.URL + "/ok",
		Method:  http.MethodPost,
		Headers: map[string]string{"X-Test": "yes"},
		Body:    "payload",
	})
	assert.Equal(t, HTTPResponse{ID: "h", Status: 200, Body: "yes:payload"}, got)

	got = e.HTTP(context.Background(), HTTPRequest{ID: "m", URL: srv.URL + "/missing", Method: http.MethodHead})
	assert.Equal(t, 404, got.Status)
}

func TestLocalExecutor_HTTPUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	got := NewLocalExecutor(time.Second, false).HTTP(context.Background(), HTTPRequest{ID: "x", URL: url})

	assert.Equal(t, 0, got.Status)
	assert.NotEmpty(t, got.Body)
}
