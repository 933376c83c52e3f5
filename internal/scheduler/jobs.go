// Package scheduler matches worker-build requests to connected workers.
//
// The Queuer is the single owner of the Jobs registry: concurrent requests
// for the same artifact from any number of build controllers collapse into
// one Job, so an artifact is built by at most one worker at a time across the
// whole network.
package scheduler

import (
	"slices"

	"github.com/perryl/distbuild/internal/artifact"
	"github.com/perryl/distbuild/internal/mainloop"
)

// Worker is a connected build worker as seen by the Queuer.
type Worker interface {
	Name() string
	Target() *mainloop.Machine
}

// Job is one pending or running worker build.
type Job struct {
	Artifact *artifact.Artifact

	// Creator is the initiator whose request created the job.
	Creator string

	// Initiators lists every initiator waiting on the job, Creator first.
	Initiators []string

	// Worker is nil until the job is handed to a worker.
	Worker Worker
}

// Basename returns the cache file name of the job's artifact.
func (j *Job) Basename() string {
	return j.Artifact.Basename()
}

// HasInitiator reports whether id is waiting on the job.
func (j *Job) HasInitiator(id string) bool {
	return slices.Contains(j.Initiators, id)
}

// InitiatorList returns a copy of the initiator list, safe to put in events.
func (j *Job) InitiatorList() []string {
	return slices.Clone(j.Initiators)
}

func (j *Job) addInitiator(id string) {
	if !j.HasInitiator(id) {
		j.Initiators = append(j.Initiators, id)
	}
}

func (j *Job) removeInitiator(id string) {
	j.Initiators = slices.DeleteFunc(j.Initiators, func(s string) bool { return s == id })
}

// Jobs is the registry of live jobs keyed by artifact basename. It holds at
// most one job per basename.
type Jobs struct {
	byBasename map[string]*Job
	order      []*Job
}

// NewJobs creates an empty registry.
func NewJobs() *Jobs {
	return &Jobs{byBasename: make(map[string]*Job)}
}

// Get returns the job for basename, if any.
func (js *Jobs) Get(basename string) (*Job, bool) {
	j, ok := js.byBasename[basename]
	return j, ok
}

// Create registers a new job for a. It panics if one already exists.
func (js *Jobs) Create(a *artifact.Artifact, initiator string) *Job {
	basename := a.Basename()
	if _, exists := js.byBasename[basename]; exists {
		panic("scheduler: job already exists for " + basename)
	}
	j := &Job{Artifact: a, Creator: initiator, Initiators: []string{initiator}}
	js.byBasename[basename] = j
	js.order = append(js.order, j)
	return j
}

// Remove deletes j from the registry. Removing a job that has already been
// replaced or removed is a no-op.
func (js *Jobs) Remove(j *Job) {
	if js.byBasename[j.Basename()] != j {
		return
	}
	delete(js.byBasename, j.Basename())
	js.order = slices.DeleteFunc(js.order, func(x *Job) bool { return x == j })
}

// NextUnassigned returns the oldest job not yet handed to a worker.
func (js *Jobs) NextUnassigned() (*Job, bool) {
	for _, j := range js.order {
		if j.Worker == nil {
			return j, true
		}
	}
	return nil, false
}

// All returns the live jobs in creation order.
func (js *Jobs) All() []*Job {
	return slices.Clone(js.order)
}

// Len returns the number of live jobs.
func (js *Jobs) Len() int {
	return len(js.order)
}
