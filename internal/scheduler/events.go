package scheduler

import (
	"github.com/perryl/distbuild/internal/artifact"
	"github.com/perryl/distbuild/internal/mainloop"
)

// ControllerClass is the class that receives job progress broadcasts from
// the Queuer and from worker connections.
const ControllerClass mainloop.Class = "build-controller"

// QueuerClass is the class of the Queuer singleton.
const QueuerClass mainloop.Class = "queuer"

// WorkerClass is the class of worker connections. Step progress events are
// only accepted from machines of this class.
const WorkerClass mainloop.Class = "worker-connection"

// WorkerBuildRequest asks for a worker build of Artifact on behalf of
// InitiatorID.
type WorkerBuildRequest struct {
	Artifact    *artifact.Artifact
	InitiatorID string
}

func (WorkerBuildRequest) Kind() string { return "worker-build-request" }

// WorkerCancelPending withdraws InitiatorID from every job.
type WorkerCancelPending struct {
	InitiatorID string
}

func (WorkerCancelPending) Kind() string { return "worker-cancel-pending" }

// WorkerWantsJob is sent by an idle worker connection. Finished is the job it
// just completed or failed, nil on first connection.
type WorkerWantsJob struct {
	Worker   Worker
	Finished *Job
}

func (WorkerWantsJob) Kind() string { return "worker-wants-job" }

// WorkerGone removes a disconnected worker from the idle list.
type WorkerGone struct {
	Worker Worker
}

func (WorkerGone) Kind() string { return "worker-gone" }

// GiveJob hands a job to one worker connection.
type GiveJob struct {
	Job *Job
}

func (GiveJob) Kind() string { return "give-job" }

// CancelJob tells a worker connection nobody is waiting on its job any more.
type CancelJob struct {
	Job *Job
}

func (CancelJob) Kind() string { return "cancel-job" }

// JobAlreadyStarted tells InitiatorID its request joined a job that a worker
// is already building.
type JobAlreadyStarted struct {
	InitiatorID string
	CacheKey    string
	StepName    string
	WorkerName  string
}

func (JobAlreadyStarted) Kind() string { return "job-already-started" }

// JobWaiting tells InitiatorID its request joined a job still waiting for a
// worker.
type JobWaiting struct {
	InitiatorID string
	CacheKey    string
	StepName    string
}

func (JobWaiting) Kind() string { return "job-waiting" }

// The step events below are broadcast by worker connections while they run
// a job. Initiators is the job's initiator list at the time of the event.

// StepStarted reports that a worker began building.
type StepStarted struct {
	Initiators []string
	CacheKey   string
	StepName   string
	WorkerName string
}

func (StepStarted) Kind() string { return "worker-step-started" }

// StepOutput carries build output.
type StepOutput struct {
	Initiators []string
	CacheKey   string
	StepName   string
	Stdout     string
	Stderr     string
}

func (StepOutput) Kind() string { return "worker-step-output" }

// StepCaching reports that the build succeeded and the shared cache is
// fetching the result.
type StepCaching struct {
	Initiators []string
	CacheKey   string
	StepName   string
}

func (StepCaching) Kind() string { return "worker-step-caching" }

// StepFinished reports that the result is in the shared cache.
type StepFinished struct {
	Initiators []string
	CacheKey   string
	StepName   string
	Exit       int
}

func (StepFinished) Kind() string { return "worker-step-finished" }

// StepFailed reports a failed build or a failed cache fetch.
type StepFailed struct {
	Initiators []string
	CacheKey   string
	StepName   string
	Reason     string
}

func (StepFailed) Kind() string { return "worker-step-failed" }
