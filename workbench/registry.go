package workbench

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ahmadzakiakmal/passport-workbench/device"
	"github.com/ahmadzakiakmal/passport-workbench/errs"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Registry holds one controller per workbench id. It is created at process start,
// recovers persisted sessions and is torn down at shutdown.
type Registry struct {
	controllers map[string]*Controller
	store       Store
	logger      cmtlog.Logger

	wg      sync.WaitGroup
	started bool
}

// NewRegistry creates a controller for every workbench id
func NewRegistry(ids []string, deps Deps, cfg Config) (*Registry, error) {
	if len(ids) == 0 {
		return nil, errors.New("at least one workbench id is required")
	}
	deps.defaults()
	r := &Registry{
		controllers: make(map[string]*Controller, len(ids)),
		store:       deps.Store,
		logger:      deps.Logger.With("module", "registry"),
	}
	for _, id := range ids {
		if id == "" {
			return nil, errors.New("workbench id must not be empty")
		}
		if _, dup := r.controllers[id]; dup {
			return nil, fmt.Errorf("duplicate workbench id %q", id)
		}
		r.controllers[id] = NewController(id, deps, cfg)
	}
	return r, nil
}

// Start reloads active sessions from the store and starts every controller
func (r *Registry) Start(ctx context.Context) error {
	if r.started {
		return errors.New("registry already started")
	}
	sessions, err := r.store.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}
	for _, s := range sessions {
		c, ok := r.controllers[s.WorkbenchID]
		if !ok {
			r.logger.Error("Active session on unknown workbench", "session", s.ID, "workbench", s.WorkbenchID)
			continue
		}
		c.restore(s)
	}
	for _, c := range r.controllers {
		r.wg.Add(1)
		go func(c *Controller) {
			defer r.wg.Done()
			c.Run(ctx)
		}(c)
	}
	r.started = true
	r.logger.Info("Workbenches started", "count", len(r.controllers), "recovered_sessions", len(sessions))
	return nil
}

// Get returns the controller of a workbench
func (r *Registry) Get(id string) (*Controller, error) {
	c, ok := r.controllers[id]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, "workbench %s", id)
	}
	return c, nil
}

// Dispatch hands a normalized event to its workbench's queue, preserving order
func (r *Registry) Dispatch(ev device.IdentificationEvent) error {
	c, err := r.Get(ev.WorkbenchID)
	if err != nil {
		return err
	}
	if !c.Submit(ev) {
		return errs.New(errs.ErrInvalidTransition, "workbench %s is shut down", ev.WorkbenchID)
	}
	return nil
}

// Statuses returns the status of every workbench ordered by id
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkbenchID < out[j].WorkbenchID })
	return out
}

// Shutdown stops every controller and waits for their run loops
func (r *Registry) Shutdown(ctx context.Context) error {
	var errList []error
	for _, c := range r.controllers {
		c.queue.Close()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errList = append(errList, fmt.Errorf("workbench shutdown: %w", ctx.Err()))
	}
	r.logger.Info("Workbenches stopped")
	return errors.Join(errList...)
}
