package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// LocalExecutor runs processes on this host and makes HTTP calls with a
// shared client.
type LocalExecutor struct {
	Client *http.Client

	// Stream delivers process output as it arrives instead of collecting it
	// into the response.
	Stream bool
}

// NewLocalExecutor returns an executor with a client timing out after timeout.
func NewLocalExecutor(timeout time.Duration, stream bool) *LocalExecutor {
	return &LocalExecutor{
		Client: &http.Client{Timeout: timeout},
		Stream: stream,
	}
}

// outputSink collects or streams one process's output.
type outputSink struct {
	mu       sync.Mutex
	id       string
	stream   bool
	onOutput func(ExecOutput)
	stdout   strings.Builder
	stderr   strings.Builder
}

type sinkWriter struct {
	sink   *outputSink
	stderr bool
}

func (w sinkWriter) Write(p []byte) (int, error) {
	s := w.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream && s.onOutput != nil {
		out := ExecOutput{ID: s.id}
		if w.stderr {
			out.Stderr = string(p)
		} else {
			out.Stdout = string(p)
		}
		s.onOutput(out)
		return len(p), nil
	}
	if w.stderr {
		s.stderr.Write(p)
	} else {
		s.stdout.Write(p)
	}
	return len(p), nil
}

// Exec implements Executor. A process that cannot be started reports exit
// status 127 with the error on stderr. A cancelled process reports -1.
func (e *LocalExecutor) Exec(ctx context.Context, req ExecRequest, onOutput func(ExecOutput)) ExecResponse {
	resp := ExecResponse{ID: req.ID}
	if len(req.Argv) == 0 {
		resp.Exit = 127
		resp.Stderr = "empty argv"
		return resp
	}

	sink := &outputSink{id: req.ID, stream: e.Stream, onOutput: onOutput}
	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Stdin)
	cmd.Stdout = sinkWriter{sink: sink}
	cmd.Stderr = sinkWriter{sink: sink, stderr: true}

	err := cmd.Run()

	sink.mu.Lock()
	resp.Stdout = sink.stdout.String()
	resp.Stderr = sink.stderr.String()
	sink.mu.Unlock()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		resp.Exit = 0
	case errors.As(err, &exitErr):
		resp.Exit = exitErr.ExitCode()
	default:
		resp.Exit = 127
		resp.Stderr += fmt.Sprintf("%s: %v\n", req.Argv[0], err)
	}
	return resp
}

// HTTP implements Executor.
func (e *LocalExecutor) HTTP(ctx context.Context, req HTTPRequest) HTTPResponse {
	resp := HTTPResponse{ID: req.ID}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		resp.Body = err.Error()
		return resp
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	hresp, err := client.Do(hreq)
	if err != nil {
		resp.Body = err.Error()
		return resp
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		resp.Body = err.Error()
		return resp
	}
	resp.Status = hresp.StatusCode
	resp.Body = string(data)
	return resp
}
