package scheduler

import (
	"log/slog"
	"slices"

	"github.com/perryl/distbuild/internal/mainloop"
)

const stateRunning mainloop.State = "running"

// Queuer is the singleton that owns the Jobs registry and the idle-worker
// list. Handing out jobs is first come, first served.
type Queuer struct {
	*mainloop.Machine

	jobs *Jobs
	idle []Worker
}

// NewQueuer creates the Queuer machine.
func NewQueuer() *Queuer {
	q := &Queuer{
		Machine: mainloop.NewMachine(QueuerClass, "queuer", stateRunning),
		jobs:    NewJobs(),
	}

	mainloop.On(q.Machine, stateRunning, stateRunning, q.handleRequest)
	mainloop.On(q.Machine, stateRunning, stateRunning, q.handleCancel)
	mainloop.On(q.Machine, stateRunning, stateRunning, q.handleWantsJob)
	mainloop.On(q.Machine, stateRunning, stateRunning, q.handleWorkerGone)
	return q
}

// Jobs exposes the registry for inspection.
func (q *Queuer) Jobs() *Jobs {
	return q.jobs
}

// Idle returns the names of idle workers, in the order they became idle.
func (q *Queuer) Idle() []string {
	names := make([]string, len(q.idle))
	for i, w := range q.idle {
		names[i] = w.Name()
	}
	return names
}

func (q *Queuer) handleRequest(ev WorkerBuildRequest) {
	basename := ev.Artifact.Basename()

	if job, ok := q.jobs.Get(basename); ok {
		job.addInitiator(ev.InitiatorID)
		if job.Worker != nil {
			slog.Info("request joined running job",
				"artifact", basename,
				"initiator", ev.InitiatorID,
				"worker", job.Worker.Name(),
			)
			q.Broadcast(ControllerClass, JobAlreadyStarted{
				InitiatorID: ev.InitiatorID,
				CacheKey:    ev.Artifact.CacheKey(),
				StepName:    job.Artifact.Name,
				WorkerName:  job.Worker.Name(),
			})
		} else {
			slog.Info("request joined queued job",
				"artifact", basename,
				"initiator", ev.InitiatorID,
			)
			q.Broadcast(ControllerClass, JobWaiting{
				InitiatorID: ev.InitiatorID,
				CacheKey:    ev.Artifact.CacheKey(),
				StepName:    job.Artifact.Name,
			})
		}
		return
	}

	q.jobs.Create(ev.Artifact, ev.InitiatorID)
	slog.Info("job created", "artifact", basename, "initiator", ev.InitiatorID)
	q.dispatch()
}

func (q *Queuer) handleCancel(ev WorkerCancelPending) {
	for _, job := range q.jobs.All() {
		if !job.HasInitiator(ev.InitiatorID) {
			continue
		}
		job.removeInitiator(ev.InitiatorID)
		if len(job.Initiators) > 0 {
			continue
		}

		if job.Worker == nil {
			slog.Info("queued job cancelled", "artifact", job.Basename(), "initiator", ev.InitiatorID)
			q.jobs.Remove(job)
			continue
		}

		// Dispatched jobs stay registered until the worker reports back.
		slog.Info("running job abandoned",
			"artifact", job.Basename(),
			"initiator", ev.InitiatorID,
			"worker", job.Worker.Name(),
		)
		q.Send(job.Worker.Target(), CancelJob{Job: job})
	}
}

func (q *Queuer) handleWantsJob(ev WorkerWantsJob) {
	if ev.Finished != nil {
		q.jobs.Remove(ev.Finished)
	}
	if !q.isIdle(ev.Worker) {
		q.idle = append(q.idle, ev.Worker)
	}
	slog.Debug("worker idle", "worker", ev.Worker.Name(), "idle", len(q.idle), "jobs", q.jobs.Len())
	q.dispatch()
}

func (q *Queuer) handleWorkerGone(ev WorkerGone) {
	q.idle = slices.DeleteFunc(q.idle, func(w Worker) bool { return w.Target() == ev.Worker.Target() })

	for _, job := range q.jobs.All() {
		if job.Worker != nil && job.Worker.Target() == ev.Worker.Target() {
			// Not requeued: the job stays attached to the lost worker.
			slog.Warn("job lost with disconnected worker",
				"artifact", job.Basename(),
				"worker", ev.Worker.Name(),
				"initiators", job.Initiators,
			)
		}
	}
}

func (q *Queuer) isIdle(w Worker) bool {
	return slices.ContainsFunc(q.idle, func(x Worker) bool { return x.Target() == w.Target() })
}

// dispatch hands unassigned jobs to idle workers while both exist.
func (q *Queuer) dispatch() {
	for len(q.idle) > 0 {
		job, ok := q.jobs.NextUnassigned()
		if !ok {
			return
		}
		w := q.idle[0]
		q.idle = q.idle[1:]
		job.Worker = w

		slog.Info("job dispatched", "artifact", job.Basename(), "worker", w.Name())
		q.Send(w.Target(), GiveJob{Job: job})
	}
}
