package controller

import (
	"fmt"
	"sort"

	"github.com/perryl/distbuild/internal/mainloop"
)

// Registry creates build controllers and tracks the live ones. It owns the
// Scoreboard they share.
type Registry struct {
	cfg        Config
	ids        mainloop.IDGenerator
	scoreboard *Scoreboard
	live       map[string]*Controller
	started    map[string]int
	seq        int
}

// NewRegistry creates a registry whose controllers use cfg and draw request
// and helper ids from ids.
func NewRegistry(cfg Config, ids mainloop.IDGenerator) *Registry {
	if len(cfg.GraphCommand) == 0 {
		cfg.GraphCommand = DefaultGraphCommand
	}
	return &Registry{
		cfg:        cfg,
		ids:        ids,
		scoreboard: NewScoreboard(),
		live:       make(map[string]*Controller),
		started:    make(map[string]int),
	}
}

// New creates a controller for req and registers it. A request without an
// ID is given one. The caller adds the controller to the loop and sends it
// Start.
func (r *Registry) New(req Request) *Controller {
	if req.ID == "" {
		req.ID = r.ids.Generate()
	}
	if _, dup := r.live[req.ID]; dup {
		panic(fmt.Sprintf("controller: duplicate request id %s", req.ID))
	}
	c := newController(r, req)
	r.live[req.ID] = c
	r.seq++
	r.started[req.ID] = r.seq
	return c
}

// Get returns the live controller for a request id.
func (r *Registry) Get(id string) (*Controller, bool) {
	c, ok := r.live[id]
	return c, ok
}

// List returns every live controller, oldest first.
func (r *Registry) List() []*Controller {
	out := make([]*Controller, 0, len(r.live))
	for _, c := range r.live {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.started[out[i].req.ID] < r.started[out[j].req.ID]
	})
	return out
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	return len(r.live)
}

// Scoreboard returns the scoreboard shared by this registry's controllers.
func (r *Registry) Scoreboard() *Scoreboard {
	return r.scoreboard
}

func (r *Registry) remove(id string) {
	delete(r.live, id)
	delete(r.started, id)
}
