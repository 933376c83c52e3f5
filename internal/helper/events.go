// Package helper runs subprocesses and HTTP requests on behalf of state
// machines without blocking the loop.
//
// Machines broadcast ExecRequest or HTTPRequest to Class. The Router starts
// the work on its own goroutine and sends every ExecOutput, ExecResponse and
// HTTPResponse back to the machine named in Reply, correlated by ID.
package helper

import "github.com/perryl/distbuild/internal/mainloop"

// Class is the class of the helper router.
const Class mainloop.Class = "helper"

// ExecRequest runs Argv with Stdin as standard input.
type ExecRequest struct {
	ID    string
	Argv  []string
	Stdin string
	Reply *mainloop.Machine
}

func (ExecRequest) Kind() string { return "exec-request" }

// ExecCancel kills the process started for ID, if it is still running.
type ExecCancel struct {
	ID string
}

func (ExecCancel) Kind() string { return "exec-cancel" }

// HTTPRequest performs one HTTP call.
type HTTPRequest struct {
	ID      string
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Reply   *mainloop.Machine
}

func (HTTPRequest) Kind() string { return "http-request" }

// ExecOutput is a chunk of output from a running process.
type ExecOutput struct {
	ID     string
	Stdout string
	Stderr string
}

func (ExecOutput) Kind() string { return "exec-output" }

// ExecResponse reports process exit. Stdout and Stderr hold whatever output
// was not already delivered as ExecOutput.
type ExecResponse struct {
	ID     string
	Exit   int
	Stdout string
	Stderr string
}

func (ExecResponse) Kind() string { return "exec-response" }

// HTTPResponse reports the outcome of an HTTPRequest. Status is zero when the
// request could not be made; Body then holds the error text.
type HTTPResponse struct {
	ID     string
	Status int
	Body   string
}

func (HTTPResponse) Kind() string { return "http-response" }
