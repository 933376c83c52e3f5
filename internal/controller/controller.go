// Package controller runs one state machine per accepted build request.
//
// A Controller computes the artifact graph with a helper process, checks the
// shared cache for every artifact, then asks the Queuer to build whatever is
// missing in dependency order. Worker progress comes back as broadcasts and is
// relayed to the initiator that asked for the build.
package controller

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/perryl/distbuild/internal/artifact"
	"github.com/perryl/distbuild/internal/helper"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/scheduler"
)

// Class is the class of Controller machines.
const Class = scheduler.ControllerClass

const (
	stateInit       mainloop.State = "init"
	stateGraphing   mainloop.State = "graphing"
	stateAnnotating mainloop.State = "annotating"
	stateBuilding   mainloop.State = "building"
)

// DefaultGraphCommand computes a build graph. Repo, ref and morphology are
// appended; the serialized graph is read from its stdout.
var DefaultGraphCommand = []string{"morph", "calculate-build-graph", "--quiet"}

// Config is shared by every controller of a Registry.
type Config struct {
	GraphCommand []string

	// ArtifactCacheURL is the shared cache's read-only base URL, used for
	// presence checks and in build-finished URLs.
	ArtifactCacheURL string
}

// Request is an accepted build request.
type Request struct {
	ID string

	// Initiator names the connection that sent the request.
	Initiator string

	Repo           string
	Ref            string
	OriginalRef    string
	Morphology     string
	Partial        bool
	ComponentNames []string
	AllowDetach    bool
}

// Status summarizes a live controller for list-requests and build-status.
type Status struct {
	ID         string
	Repo       string
	Ref        string
	Morphology string
	State      mainloop.State
	Built      int
	Total      int

	// AllowDetach is the initiator's permission to leave mid-build.
	AllowDetach bool
	Detached    bool
}

func (s Status) String() string {
	line := fmt.Sprintf("%s: %s %s %s: %s", s.ID, s.Repo, s.Ref, s.Morphology, s.State)
	if s.Total > 0 {
		line += fmt.Sprintf(", %d/%d artifacts built", s.Built, s.Total)
	}
	if s.Detached {
		line += ", detached"
	}
	return line
}

// Controller drives one build request from graph computation to a terminal
// build-finished, build-failed or build-cancelled.
type Controller struct {
	*mainloop.Machine

	reg *Registry
	req Request

	graphID string
	stdout  strings.Builder
	stderr  strings.Builder

	roots    []*artifact.Artifact
	checks   map[string]*artifact.Artifact
	deferred map[string]bool
	detached bool
}

func newController(reg *Registry, req Request) *Controller {
	c := &Controller{
		Machine:  mainloop.NewMachine(Class, req.ID, stateInit),
		reg:      reg,
		req:      req,
		checks:   make(map[string]*artifact.Artifact),
		deferred: make(map[string]bool),
	}

	mainloop.On(c.Machine, stateInit, stateGraphing, c.startGraphing)

	mainloop.On(c.Machine, stateGraphing, stateGraphing, c.collectGraph)
	mainloop.OnChoice(c.Machine, stateGraphing, c.graphDone)

	mainloop.OnChoice(c.Machine, stateAnnotating, c.checked)

	worker := scheduler.WorkerClass
	mainloop.OnFrom(c.Machine, stateBuilding, worker, stateBuilding, c.stepStarted)
	mainloop.OnFrom(c.Machine, stateBuilding, worker, stateBuilding, c.stepOutput)
	mainloop.OnFrom(c.Machine, stateBuilding, worker, stateBuilding, c.stepCaching)
	mainloop.OnChoiceFrom(c.Machine, stateBuilding, worker, c.stepFinished)
	mainloop.OnChoiceFrom(c.Machine, stateBuilding, worker, c.stepFailed)
	mainloop.OnFrom(c.Machine, stateBuilding, scheduler.QueuerClass, stateBuilding, c.alreadyStarted)
	mainloop.OnFrom(c.Machine, stateBuilding, scheduler.QueuerClass, stateBuilding, c.waiting)
	mainloop.On(c.Machine, stateBuilding, stateBuilding, c.released)

	for _, s := range []mainloop.State{stateInit, stateGraphing, stateAnnotating, stateBuilding} {
		mainloop.On(c.Machine, s, mainloop.Terminated, c.cancelled)
		mainloop.OnChoice(c.Machine, s, c.initiatorGone)
	}
	return c
}

// Request returns the request this controller serves.
func (c *Controller) Request() Request {
	return c.req
}

// Detached reports whether the initiator went away while building.
func (c *Controller) Detached() bool {
	return c.detached
}

// Status summarizes the controller's progress.
func (c *Controller) Status() Status {
	s := Status{
		ID:          c.req.ID,
		Repo:        c.req.Repo,
		Ref:         c.req.Ref,
		Morphology:  c.req.Morphology,
		State:       c.State(),
		AllowDetach: c.req.AllowDetach,
		Detached:    c.detached,
	}
	artifact.Walk(c.roots, func(a *artifact.Artifact) {
		s.Total++
		if a.State == artifact.StateBuilt {
			s.Built++
		}
	})
	return s
}

// emit sends an initiator-facing event to observers and, unless detached,
// to the initiator.
func (c *Controller) emit(ev Event) {
	c.Broadcast(ObserverClass, ev)
	if !c.detached {
		c.Broadcast(InitiatorClass, ev)
	}
}

func (c *Controller) progress(format string, args ...any) {
	c.emit(BuildProgress{ID: c.req.ID, Message: fmt.Sprintf(format, args...)})
}

func (c *Controller) graphArgv() []string {
	argv := append([]string{}, c.reg.cfg.GraphCommand...)
	if c.req.OriginalRef != "" {
		argv = append(argv, "--original-ref="+c.req.OriginalRef)
	}
	return append(argv, c.req.Repo, c.req.Ref, c.req.Morphology)
}

func (c *Controller) startGraphing(Start) {
	c.graphID = c.reg.ids.Generate()
	argv := c.graphArgv()
	slog.Info("computing build graph",
		"request_id", c.req.ID,
		"repo", c.req.Repo,
		"ref", c.req.Ref,
		"morphology", c.req.Morphology,
		"exec_id", c.graphID,
	)

	c.emit(GraphingStarted{ID: c.req.ID})
	c.progress("Computing build graph for %s %s %s", c.req.Repo, c.req.Ref, c.req.Morphology)
	c.Broadcast(helper.Class, helper.ExecRequest{
		ID:    c.graphID,
		Argv:  argv,
		Reply: c.Machine,
	})
}

func (c *Controller) collectGraph(ev helper.ExecOutput) {
	if ev.ID != c.graphID {
		return
	}
	c.stdout.WriteString(ev.Stdout)
	c.stderr.WriteString(ev.Stderr)
}

func (c *Controller) graphDone(ev helper.ExecResponse) mainloop.State {
	if ev.ID != c.graphID {
		return stateGraphing
	}
	c.stdout.WriteString(ev.Stdout)
	c.stderr.WriteString(ev.Stderr)

	if ev.Exit != 0 || c.stderr.Len() > 0 {
		detail := strings.TrimSpace(c.stderr.String())
		if detail == "" {
			detail = fmt.Sprintf("exit status %d", ev.Exit)
		}
		return c.fail("Failed to compute build graph: " + detail)
	}

	g, err := artifact.Decode([]byte(c.stdout.String()))
	if err != nil {
		return c.fail(fmt.Sprintf("Failed to compute build graph: %v", err))
	}
	c.stdout.Reset()

	roots := g.Roots
	if c.req.Partial {
		if len(c.req.ComponentNames) == 0 {
			return c.fail("Partial build requested without any component names")
		}
		found, missing := g.BySourceName(c.req.ComponentNames)
		if len(missing) > 0 {
			return c.fail("Some of the requested components are not in the system: " + strings.Join(missing, ", "))
		}
		roots = found
	}
	c.roots = roots

	c.emit(GraphingFinished{ID: c.req.ID})
	return c.annotate()
}

// annotate asks the shared cache about every distinct artifact.
func (c *Controller) annotate() mainloop.State {
	closure := artifact.Closure(c.roots)
	slog.Info("checking shared cache", "request_id", c.req.ID, "artifacts", len(closure))
	c.progress("Checking %d artifacts in the shared cache", len(closure))

	for _, a := range closure {
		a.HelperID = c.reg.ids.Generate()
		c.checks[a.HelperID] = a
		c.Broadcast(helper.Class, helper.HTTPRequest{
			ID:      a.HelperID,
			URL:     c.artifactURL(a),
			Method:  "HEAD",
			Headers: map[string]string{},
			Reply:   c.Machine,
		})
	}
	return stateAnnotating
}

func (c *Controller) checked(ev helper.HTTPResponse) mainloop.State {
	a, ok := c.checks[ev.ID]
	if !ok {
		return stateAnnotating
	}
	delete(c.checks, ev.ID)
	a.HelperID = ""

	switch ev.Status {
	case 200:
		a.State = artifact.StateBuilt
	case 404:
		a.State = artifact.StateUnbuilt
	default:
		return c.fail(fmt.Sprintf("Failed to check the shared cache for %s: status %d: %s",
			a.Basename(), ev.Status, strings.TrimSpace(ev.Body)))
	}

	if len(c.checks) > 0 {
		return stateAnnotating
	}
	return c.annotated()
}

func (c *Controller) annotated() mainloop.State {
	closure := artifact.Closure(c.roots)
	unbuilt := 0
	for _, a := range closure {
		if a.State == artifact.StateUnbuilt {
			unbuilt++
		}
	}
	slog.Info("cache state", "request_id", c.req.ID, "unbuilt", unbuilt, "total", len(closure))
	c.emit(CacheState{ID: c.req.ID, Unbuilt: unbuilt, Total: len(closure)})

	if unbuilt == 0 {
		return c.finish()
	}
	c.emit(BuildStarted{ID: c.req.ID})
	c.dispatch()
	return stateBuilding
}

// dispatch requests a worker build for each ready artifact nobody else has
// claimed. Artifacts of the same source share one build.
func (c *Controller) dispatch() {
	sb := c.reg.scoreboard
	for _, a := range artifact.Ready(c.roots) {
		if a.State != artifact.StateUnbuilt {
			continue
		}
		key := a.CacheKey()
		if !sb.Claim(key, c.req.ID) {
			owner, _ := sb.Claimer(key)
			slog.Info("artifact claimed by another request",
				"request_id", c.req.ID,
				"artifact", a.Basename(),
				"claimed_by", owner,
			)
			c.markBuilding(key)
			c.deferred[key] = true
			c.progress("%s is already being built for another request", a.Name)
			continue
		}

		c.markBuilding(key)
		slog.Info("requesting worker build", "request_id", c.req.ID, "artifact", a.Basename())
		c.Broadcast(scheduler.QueuerClass, scheduler.WorkerBuildRequest{
			Artifact:    a,
			InitiatorID: c.req.ID,
		})
	}
}

func (c *Controller) markBuilding(cacheKey string) {
	for _, a := range artifact.WithCacheKey(c.roots, cacheKey) {
		if a.State == artifact.StateUnbuilt {
			a.State = artifact.StateBuilding
		}
	}
}

// concerns reports whether a worker event for cacheKey should be relayed to
// this controller's initiator.
func (c *Controller) concerns(initiators []string, cacheKey string) bool {
	return slices.Contains(initiators, c.req.ID) && len(artifact.WithCacheKey(c.roots, cacheKey)) > 0
}

func (c *Controller) stepStarted(ev scheduler.StepStarted) {
	if !c.concerns(ev.Initiators, ev.CacheKey) {
		return
	}
	c.emit(BuildStepStarted{ID: c.req.ID, StepName: ev.StepName, WorkerName: ev.WorkerName})
}

func (c *Controller) alreadyStarted(ev scheduler.JobAlreadyStarted) {
	if !c.concerns([]string{ev.InitiatorID}, ev.CacheKey) {
		return
	}
	c.emit(BuildStepAlreadyStarted{ID: c.req.ID, StepName: ev.StepName, WorkerName: ev.WorkerName})
}

func (c *Controller) waiting(ev scheduler.JobWaiting) {
	if !c.concerns([]string{ev.InitiatorID}, ev.CacheKey) {
		return
	}
	c.progress("Build of %s is queued, waiting for a worker", ev.StepName)
}

func (c *Controller) stepOutput(ev scheduler.StepOutput) {
	if !c.concerns(ev.Initiators, ev.CacheKey) {
		return
	}
	c.emit(BuildOutput{ID: c.req.ID, StepName: ev.StepName, Stdout: ev.Stdout, Stderr: ev.Stderr})
}

func (c *Controller) stepCaching(ev scheduler.StepCaching) {
	if !c.concerns(ev.Initiators, ev.CacheKey) {
		return
	}
	c.progress("Transferring %s to shared artifact cache", ev.StepName)
}

// stepFinished marks every artifact of the finished source built, whoever
// requested the build.
func (c *Controller) stepFinished(ev scheduler.StepFinished) mainloop.State {
	siblings := artifact.WithCacheKey(c.roots, ev.CacheKey)
	if len(siblings) == 0 {
		return stateBuilding
	}
	for _, a := range siblings {
		a.State = artifact.StateBuilt
	}
	delete(c.deferred, ev.CacheKey)
	c.reg.scoreboard.Release(ev.CacheKey, c.req.ID)

	if slices.Contains(ev.Initiators, c.req.ID) {
		c.emit(BuildStepFinished{ID: c.req.ID, StepName: ev.StepName})
	}

	if artifact.AllBuilt(c.roots) {
		return c.finish()
	}
	c.dispatch()
	return stateBuilding
}

func (c *Controller) stepFailed(ev scheduler.StepFailed) mainloop.State {
	siblings := artifact.WithCacheKey(c.roots, ev.CacheKey)
	if len(siblings) == 0 {
		return stateBuilding
	}
	waiting := slices.Contains(ev.Initiators, c.req.ID)
	for _, a := range siblings {
		if a.State == artifact.StateBuilding {
			waiting = true
		}
	}
	if !waiting {
		return stateBuilding
	}

	slog.Warn("build step failed",
		"request_id", c.req.ID,
		"step", ev.StepName,
		"cache_key", ev.CacheKey,
		"reason", ev.Reason,
	)
	c.emit(BuildStepFailed{ID: c.req.ID, StepName: ev.StepName})
	return c.abandon(BuildFailed{ID: c.req.ID, Reason: "Building failed for " + ev.StepName})
}

// released re-dispatches artifacts that were waiting on another request's
// claim.
func (c *Controller) released(ev ScoreboardReleased) {
	freed := false
	for _, key := range ev.CacheKeys {
		if !c.deferred[key] {
			continue
		}
		delete(c.deferred, key)
		for _, a := range artifact.WithCacheKey(c.roots, key) {
			if a.State == artifact.StateBuilding {
				a.State = artifact.StateUnbuilt
			}
		}
		freed = true
	}
	if freed {
		c.dispatch()
	}
}

func (c *Controller) cancelled(ev Cancel) {
	slog.Info("build cancelled", "request_id", c.req.ID, "user", ev.User, "state", c.State())
	switch c.State() {
	case stateGraphing:
		c.Broadcast(helper.Class, helper.ExecCancel{ID: c.graphID})
	case stateBuilding:
		c.Broadcast(scheduler.QueuerClass, scheduler.WorkerCancelPending{InitiatorID: c.req.ID})
	}
	c.emit(BuildCancelled{ID: c.req.ID, User: ev.User})
	c.cleanup()
}

// initiatorGone aborts a request whose initiator left before building began.
// Once building, a request that allows detaching runs to completion; any
// other is withdrawn from the queue and reported failed to observers.
func (c *Controller) initiatorGone(ev InitiatorDisconnected) mainloop.State {
	if ev.Initiator != c.req.Initiator {
		return c.State()
	}
	if c.State() == stateBuilding {
		c.detached = true
		if c.req.AllowDetach {
			slog.Info("initiator disconnected, build continues", "request_id", c.req.ID, "allow_detach", true)
			return stateBuilding
		}
		slog.Info("initiator disconnected, build abandoned", "request_id", c.req.ID, "allow_detach", false)
		return c.abandon(BuildFailed{ID: c.req.ID, Reason: "Initiator disconnected before the build finished"})
	}

	slog.Info("initiator disconnected, request abandoned", "request_id", c.req.ID, "state", c.State())
	if c.State() == stateGraphing {
		c.Broadcast(helper.Class, helper.ExecCancel{ID: c.graphID})
	}
	c.cleanup()
	return mainloop.Terminated
}

func (c *Controller) finish() mainloop.State {
	urls := make([]string, 0, len(c.roots))
	for _, a := range c.roots {
		urls = append(urls, c.artifactURL(a))
	}
	slog.Info("build finished", "request_id", c.req.ID, "urls", len(urls))
	c.emit(BuildFinished{ID: c.req.ID, URLs: urls})
	c.cleanup()
	return mainloop.Terminated
}

func (c *Controller) fail(reason string) mainloop.State {
	slog.Warn("build failed", "request_id", c.req.ID, "state", c.State(), "reason", reason)
	c.emit(BuildFailed{ID: c.req.ID, Reason: reason})
	c.cleanup()
	return mainloop.Terminated
}

// abandon withdraws this request from queued jobs and reports terminal.
// Jobs already running on a worker are left to finish.
func (c *Controller) abandon(terminal Event) mainloop.State {
	c.Broadcast(scheduler.QueuerClass, scheduler.WorkerCancelPending{InitiatorID: c.req.ID})
	c.emit(terminal)
	c.cleanup()
	return mainloop.Terminated
}

func (c *Controller) cleanup() {
	if keys := c.reg.scoreboard.ReleaseAll(c.req.ID); len(keys) > 0 {
		c.Broadcast(Class, ScoreboardReleased{CacheKeys: keys})
	}
	c.reg.remove(c.req.ID)
}

func (c *Controller) artifactURL(a *artifact.Artifact) string {
	return strings.TrimSuffix(c.reg.cfg.ArtifactCacheURL, "/") +
		"/1.0/artifacts?filename=" + url.QueryEscape(a.Basename())
}
