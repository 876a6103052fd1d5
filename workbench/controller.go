package workbench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/device"
	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/notify"
	"github.com/ahmadzakiakmal/passport-workbench/passport"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store is the persistence a workbench needs
type Store interface {
	CreateSession(ctx context.Context, session *models.Session) error
	TransitionSession(ctx context.Context, sessionID string, from []string, to string, fields map[string]any) error
	ActiveSessions(ctx context.Context) ([]models.Session, error)
	ActiveSessionForUnit(ctx context.Context, unitID string) (*models.Session, error)
	GetUnit(ctx context.Context, unitID string) (*models.Unit, error)
	FinalizedChainHashes(ctx context.Context, unitIDs []string) (map[string]string, error)
}

// Anchorer takes finalized passports for asynchronous anchoring
type Anchorer interface {
	Enqueue(ctx context.Context, p *models.Passport) (*models.AnchoringRecord, error)
}

// Config holds the timing and label settings shared by all workbenches
type Config struct {
	// IdentificationTimeout returns an Identifying session to Idle; zero disables it
	IdentificationTimeout time.Duration
	// OperationAlert raises an alert for an operation running longer; zero disables it
	OperationAlert time.Duration
	// CallTimeout bounds every printer, recorder and alert call
	CallTimeout time.Duration
	Labels      notify.LabelConfig
}

// Deps are the collaborators of a workbench controller
type Deps struct {
	Store    Store
	Builder  *passport.Builder
	Anchorer Anchorer
	Printer  notify.Printer
	Recorder notify.Recorder
	Alerter  notify.Alerter
	Clock    clockwork.Clock
	Logger   cmtlog.Logger
	Metrics  *Metrics
}

func (d *Deps) defaults() {
	if d.Printer == nil {
		d.Printer = notify.Nop{}
	}
	if d.Recorder == nil {
		d.Recorder = notify.Nop{}
	}
	if d.Alerter == nil {
		d.Alerter = notify.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = cmtlog.NewNopLogger()
	}
}

// Status is a snapshot of one workbench
type Status struct {
	WorkbenchID         string                 `json:"workbench_id"`
	State               string                 `json:"state"`
	SessionID           string                 `json:"session_id,omitempty"`
	OperatorID          string                 `json:"operator_id,omitempty"`
	UnitID              string                 `json:"unit_id,omitempty"`
	Operation           *passport.OperationRef `json:"operation,omitempty"`
	OperationOverdue    bool                   `json:"operation_overdue"`
	CompletedOperations int                    `json:"completed_operations"`
	LastPassportID      string                 `json:"last_passport_id,omitempty"`
	LastError           string                 `json:"last_error,omitempty"`
}

type commandKind int

const (
	cmdIdentify commandKind = iota + 1
	cmdSelectUnit
	cmdStartOperation
	cmdCompleteOperation
	cmdClose
	cmdAbort
	cmdRestore
	cmdUnrecognized
)

type command struct {
	kind          commandKind
	ident         device.IdentificationEvent
	unitID        string
	operationType string
	ref           passport.OperationRef
	payload       []byte
	premature     bool
	reason        string
	session       *models.Session
	reply         chan result
}

type result struct {
	ref      *passport.OperationRef
	op       *models.OperationRecord
	passport *models.Passport
	err      error
}

const shutdownReason = "unfinished at workbench shutdown"

var activeStates = []string{models.SessionIdentifying, models.SessionOpen, models.SessionFinalizing}

// Controller owns the session of one workbench. All state transitions run on a
// single goroutine that consumes an ordered command queue.
type Controller struct {
	id     string
	deps   Deps
	cfg    Config
	logger cmtlog.Logger

	queue *commandQueue
	done  chan struct{}

	// owned by the run goroutine
	state      string
	session    *models.Session
	unit       *models.Unit
	idTimer    clockwork.Timer
	alertTimer clockwork.Timer
	overdue    bool
	lastPSP    string
	lastErr    string

	mu     sync.RWMutex
	status Status
}

// NewController creates the controller of one workbench. Run must be called to
// start processing.
func NewController(id string, deps Deps, cfg Config) *Controller {
	deps.defaults()
	c := &Controller{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With("module", "workbench", "workbench", id),
		queue:  newCommandQueue(),
		done:   make(chan struct{}),
		state:  models.SessionIdle,
	}
	if c.cfg.CallTimeout <= 0 {
		c.cfg.CallTimeout = 10 * time.Second
	}
	c.publish()
	return c
}

// ID returns the workbench id
func (c *Controller) ID() string { return c.id }

// Status returns the latest snapshot without waiting for the run loop
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Submit queues an identification event without waiting for its outcome. Errors
// are logged and reported in Status.
func (c *Controller) Submit(ev device.IdentificationEvent) bool {
	return c.queue.Enqueue(command{kind: cmdIdentify, ident: ev})
}

// Identify processes an identification event: an RFID read starts a session, a
// barcode read selects the unit of an Identifying session
func (c *Controller) Identify(ctx context.Context, ev device.IdentificationEvent) error {
	return c.call(ctx, command{kind: cmdIdentify, ident: ev}).err
}

// SelectUnit binds a unit to the Identifying session and opens it
func (c *Controller) SelectUnit(ctx context.Context, unitID string) error {
	return c.call(ctx, command{kind: cmdSelectUnit, unitID: unitID}).err
}

// StartOperation begins an operation in the open session
func (c *Controller) StartOperation(ctx context.Context, operationType string) (*passport.OperationRef, error) {
	r := c.call(ctx, command{kind: cmdStartOperation, operationType: operationType})
	return r.ref, r.err
}

// CompleteOperation ends the running operation with its payload
func (c *Controller) CompleteOperation(ctx context.Context, ref passport.OperationRef, payload []byte, premature bool) (*models.OperationRecord, error) {
	r := c.call(ctx, command{kind: cmdCompleteOperation, ref: ref, payload: payload, premature: premature})
	return r.op, r.err
}

// Close finalizes the open session into a passport and hands it to anchoring
func (c *Controller) Close(ctx context.Context) (*models.Passport, error) {
	r := c.call(ctx, command{kind: cmdClose})
	return r.passport, r.err
}

// Abort abandons the active session without producing a passport
func (c *Controller) Abort(ctx context.Context, reason string) error {
	return c.call(ctx, command{kind: cmdAbort, reason: reason}).err
}

// Unrecognized reports a read that resolved to no operator or unit. A session
// waiting for its unit is abandoned and the workbench returns to Idle.
func (c *Controller) Unrecognized(ctx context.Context, cause error) error {
	return c.call(ctx, command{kind: cmdUnrecognized, reason: cause.Error()}).err
}

func (c *Controller) call(ctx context.Context, cmd command) result {
	cmd.reply = make(chan result, 1)
	if !c.queue.Enqueue(cmd) {
		return result{err: errs.New(errs.ErrInvalidTransition, "workbench %s is shut down", c.id)}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

// restore queues a persisted session to be taken over by the run loop
func (c *Controller) restore(session models.Session) {
	c.queue.Enqueue(command{kind: cmdRestore, session: &session})
}

// Run processes commands until the queue is closed or ctx is done, then ends any
// running operation prematurely
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	for {
		if cmd, ok := c.queue.TryDequeue(); ok {
			c.handle(ctx, cmd)
			continue
		}
		if c.queue.Drained() {
			c.shutdown(ctx)
			return
		}
		select {
		case <-ctx.Done():
			c.queue.Close()
			c.shutdown(ctx)
			return
		case <-c.queue.Wait():
		case <-timerC(c.idTimer):
			c.idTimer = nil
			c.identificationTimedOut(ctx)
			c.publish()
		case <-timerC(c.alertTimer):
			c.alertTimer = nil
			c.operationOverdue()
			c.publish()
		}
	}
}

// Stop closes the queue and waits for the run loop to finish
func (c *Controller) Stop(ctx context.Context) error {
	c.queue.Close()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workbench %s: %w", c.id, ctx.Err())
	}
}

func timerC(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func (c *Controller) handle(ctx context.Context, cmd command) {
	var r result
	switch cmd.kind {
	case cmdIdentify:
		r.err = c.identify(ctx, cmd.ident)
	case cmdSelectUnit:
		r.err = c.selectUnit(ctx, cmd.unitID)
	case cmdStartOperation:
		r.ref, r.err = c.startOperation(ctx, cmd.operationType)
	case cmdCompleteOperation:
		r.op, r.err = c.completeOperation(ctx, cmd.ref, cmd.payload, cmd.premature)
	case cmdClose:
		r.passport, r.err = c.close(ctx)
	case cmdAbort:
		r.err = c.abort(ctx, cmd.reason)
	case cmdRestore:
		r.err = c.restoreSession(ctx, cmd.session)
	case cmdUnrecognized:
		r.err = c.unrecognized(ctx, cmd.reason)
	}

	c.lastErr = ""
	if r.err != nil {
		c.lastErr = r.err.Error()
		if cmd.reply == nil {
			c.logger.Error("Command rejected", "command", int(cmd.kind), "class", errs.ClassOf(r.err).String(), "err", r.err)
		}
	}
	c.publish()
	if cmd.reply != nil {
		cmd.reply <- r
	}
}

func (c *Controller) identify(ctx context.Context, ev device.IdentificationEvent) error {
	switch ev.Kind {
	case device.KindRFID:
		if c.state != models.SessionIdle {
			return errs.New(errs.ErrWorkbenchBusy, "workbench %s is %s", c.id, c.state)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate session id: %w", err)
		}
		session := &models.Session{
			ID:          id.String(),
			WorkbenchID: c.id,
			State:       models.SessionIdentifying,
			OperatorID:  ev.OperatorID,
			OpenedAt:    c.deps.Clock.Now().UTC(),
		}
		if err := c.deps.Store.CreateSession(ctx, session); err != nil {
			return err
		}
		c.session = session
		c.state = models.SessionIdentifying
		c.armIdentificationTimer()
		c.logger.Info("Operator identified", "session", session.ID, "operator", ev.OperatorID)
		return nil

	case device.KindBarcode:
		return c.selectUnit(ctx, ev.UnitID)
	}
	return errs.New(errs.ErrUnrecognizedTag, "unsupported device kind %q", ev.Kind)
}

func (c *Controller) selectUnit(ctx context.Context, unitID string) error {
	switch c.state {
	case models.SessionIdentifying:
	case models.SessionIdle:
		return errs.New(errs.ErrSessionNotOpen, "no operator identified at %s", c.id)
	default:
		return errs.New(errs.ErrWorkbenchBusy, "workbench %s is %s", c.id, c.state)
	}

	unit, err := c.resolveUnit(ctx, unitID)
	if err != nil {
		if errs.ClassOf(err) == errs.ClassInput {
			if abandonErr := c.abandon(ctx, "unit selection failed: "+err.Error()); abandonErr != nil {
				return errors.Join(err, abandonErr)
			}
		}
		return err
	}

	err = c.deps.Store.TransitionSession(ctx, c.session.ID,
		[]string{models.SessionIdentifying}, models.SessionOpen,
		map[string]any{"unit_id": unit.ID})
	if errors.Is(err, errs.ErrUnitBusy) {
		if abandonErr := c.abandon(ctx, "unit selection failed: "+err.Error()); abandonErr != nil {
			return errors.Join(err, abandonErr)
		}
	}
	if err != nil {
		return err
	}
	c.stopTimer(&c.idTimer)
	c.session.State = models.SessionOpen
	c.session.UnitID = &unit.ID
	c.unit = unit
	c.state = models.SessionOpen
	c.deps.Builder.Resume(c.session, unit)

	sessionID := c.session.ID
	c.async("recording start", func(ctx context.Context) error { return c.deps.Recorder.Start(ctx, sessionID) })
	c.logger.Info("Session opened", "session", sessionID, "unit", unit.ID, "components", len(unit.Components))
	return nil
}

// resolveUnit loads a unit and checks it can still receive a passport
func (c *Controller) resolveUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	unit, err := c.deps.Store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit.Passport != nil {
		return nil, errs.New(errs.ErrUnitFinalized, "unit %s has passport %s", unit.ID, unit.Passport.ID)
	}
	other, err := c.deps.Store.ActiveSessionForUnit(ctx, unit.ID)
	if err != nil {
		return nil, err
	}
	if other != nil && other.ID != c.session.ID {
		return nil, errs.New(errs.ErrUnitBusy, "unit %s is %s on %s", unit.ID, other.State, other.WorkbenchID)
	}
	components := unit.ComponentIDs()
	if len(components) == 0 {
		return unit, nil
	}
	hashes, err := c.deps.Store.FinalizedChainHashes(ctx, components)
	if err != nil {
		return nil, err
	}
	for _, id := range components {
		if _, ok := hashes[id]; !ok {
			return nil, errs.New(errs.ErrUnresolvedComponent, "component %s of unit %s has no passport", id, unit.ID)
		}
	}
	return unit, nil
}

func (c *Controller) startOperation(ctx context.Context, operationType string) (*passport.OperationRef, error) {
	if c.state != models.SessionOpen {
		return nil, errs.New(errs.ErrSessionNotOpen, "workbench %s is %s", c.id, c.state)
	}
	ref, err := c.deps.Builder.StartOperation(ctx, c.session.ID, c.session.OperatorID, operationType)
	if err != nil {
		return nil, err
	}
	c.overdue = false
	c.stopTimer(&c.alertTimer)
	if c.cfg.OperationAlert > 0 {
		c.alertTimer = c.deps.Clock.NewTimer(c.cfg.OperationAlert)
	}
	return ref, nil
}

func (c *Controller) completeOperation(ctx context.Context, ref passport.OperationRef, payload []byte, premature bool) (*models.OperationRecord, error) {
	if c.state != models.SessionOpen {
		return nil, errs.New(errs.ErrSessionNotOpen, "workbench %s is %s", c.id, c.state)
	}
	if ref.SessionID != "" && ref.SessionID != c.session.ID {
		return nil, errs.New(errs.ErrUnknownOperation, "operation %s belongs to session %s", ref.OperationID, ref.SessionID)
	}
	ref.SessionID = c.session.ID
	op, err := c.deps.Builder.CompleteOperation(ctx, ref, payload, premature)
	if err != nil {
		return nil, err
	}
	c.overdue = false
	c.stopTimer(&c.alertTimer)
	c.deps.Metrics.operation(c.id, op.OperationType, premature)
	return op, nil
}

func (c *Controller) close(ctx context.Context) (*models.Passport, error) {
	switch c.state {
	case models.SessionOpen:
		if running, ok := c.deps.Builder.InProgress(c.session.ID); ok {
			return nil, errs.New(errs.ErrIncompleteOperation, "operation %s is in progress", running.OperationID)
		}
		if completedCount(c.deps.Builder.Operations(c.session.ID)) == 0 {
			return nil, errs.New(errs.ErrIncompleteOperation, "session %s has no completed operation", c.session.ID)
		}
		err := c.deps.Store.TransitionSession(ctx, c.session.ID,
			[]string{models.SessionOpen}, models.SessionFinalizing, nil)
		if err != nil {
			return nil, err
		}
		c.state = models.SessionFinalizing
		c.session.State = models.SessionFinalizing
		sessionID := c.session.ID
		c.async("recording stop", func(ctx context.Context) error { return c.deps.Recorder.Stop(ctx, sessionID) })

	case models.SessionFinalizing:
		// a previous finalize did not complete; retry it
	default:
		return nil, errs.New(errs.ErrSessionNotOpen, "workbench %s is %s", c.id, c.state)
	}

	p, err := c.deps.Builder.Finalize(ctx, c.session.ID)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrUnresolvedComponent):
			if revertErr := c.deps.Store.TransitionSession(ctx, c.session.ID,
				[]string{models.SessionFinalizing}, models.SessionOpen, nil); revertErr == nil {
				c.state = models.SessionOpen
				c.session.State = models.SessionOpen
			}
		case errors.Is(err, errs.ErrUnitFinalized):
			// the unit got its passport elsewhere; this session can never finalize
			if abandonErr := c.abandon(ctx, "finalize failed: "+err.Error()); abandonErr != nil {
				return nil, errors.Join(err, abandonErr)
			}
		}
		return nil, err
	}

	unit := c.unit
	c.lastPSP = p.ID
	c.deps.Metrics.session(c.id, models.SessionClosed)
	c.logger.Info("Session closed", "session", c.session.ID, "passport", p.ID, "unit", p.UnitID)
	c.reset()

	// the passport is already durable; an enqueue failure is picked up by reconciliation
	if _, err := c.deps.Anchorer.Enqueue(ctx, p); err != nil {
		c.logger.Error("Failed to enqueue passport for anchoring", "passport", p.ID, "err", err)
	}
	job := c.cfg.Labels.Job(p, unit)
	c.async("print", func(ctx context.Context) error { return c.deps.Printer.Print(ctx, job) })
	return p, nil
}

func completedCount(ops []models.OperationRecord) int {
	n := 0
	for _, op := range ops {
		if op.Completed() && !op.EndedPrematurely {
			n++
		}
	}
	return n
}

func (c *Controller) abort(ctx context.Context, reason string) error {
	if c.state == models.SessionIdle {
		return errs.New(errs.ErrSessionNotOpen, "no active session at %s", c.id)
	}
	if reason == "" {
		reason = "aborted by operator"
	}
	return c.abandon(ctx, reason)
}

// abandon discards the active session without a passport. Operation rows are kept
// for audit.
func (c *Controller) abandon(ctx context.Context, reason string) error {
	sessionID := c.session.ID
	// recording already stopped on entry to finalizing
	wasOpen := c.state == models.SessionOpen
	operations := len(c.deps.Builder.Operations(sessionID))

	err := c.deps.Store.TransitionSession(ctx, sessionID, activeStates, models.SessionAbandoned, map[string]any{
		"abort_reason": reason,
		"closed_at":    c.deps.Clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	c.deps.Builder.Discard(sessionID)
	if wasOpen {
		c.async("recording stop", func(ctx context.Context) error { return c.deps.Recorder.Stop(ctx, sessionID) })
	}
	c.deps.Metrics.session(c.id, models.SessionAbandoned)
	c.logger.Info("Session abandoned", "session", sessionID, "reason", reason, "operations", operations)
	c.reset()
	return nil
}

func (c *Controller) unrecognized(ctx context.Context, reason string) error {
	if c.state != models.SessionIdentifying {
		return nil
	}
	return c.abandon(ctx, "unrecognized tag: "+reason)
}

func (c *Controller) identificationTimedOut(ctx context.Context) {
	if c.state != models.SessionIdentifying {
		return
	}
	if err := c.abandon(ctx, "identification timeout"); err != nil {
		c.logger.Error("Failed to abandon timed out session", "err", err)
	}
}

// operationOverdue flags a long running operation. Physical operations have no
// fixed duration, so the operation keeps running.
func (c *Controller) operationOverdue() {
	if c.state != models.SessionOpen {
		return
	}
	ref, ok := c.deps.Builder.InProgress(c.session.ID)
	if !ok {
		return
	}
	c.overdue = true
	c.logger.Error("Operation overdue", "session", c.session.ID, "operation", ref.OperationID, "after", c.cfg.OperationAlert)

	alert := notify.Alert{
		Kind:    notify.AlertOperationOverdue,
		Subject: ref.OperationID,
		Message: fmt.Sprintf("operation %d of session %s running longer than %s", ref.Seq, ref.SessionID, c.cfg.OperationAlert),
		Labels:  map[string]string{"workbench": c.id, "session": ref.SessionID},
		At:      c.deps.Clock.Now().UTC(),
	}
	c.async("alert", func(ctx context.Context) error { return c.deps.Alerter.Alert(ctx, alert) })
}

func (c *Controller) restoreSession(ctx context.Context, session *models.Session) error {
	if c.state != models.SessionIdle {
		return errs.New(errs.ErrWorkbenchBusy, "workbench %s already holds session %s", c.id, c.session.ID)
	}
	c.session = session
	c.state = session.State

	switch session.State {
	case models.SessionIdentifying:
		c.armIdentificationTimer()
	case models.SessionOpen, models.SessionFinalizing:
		if session.UnitID == nil {
			return c.abandon(ctx, "recovered session has no unit")
		}
		unit, err := c.deps.Store.GetUnit(ctx, *session.UnitID)
		if err != nil {
			return err
		}
		c.unit = unit
		c.deps.Builder.Resume(session, unit)
		if _, running := c.deps.Builder.InProgress(session.ID); running && c.cfg.OperationAlert > 0 {
			c.alertTimer = c.deps.Clock.NewTimer(c.cfg.OperationAlert)
		}
		if session.State == models.SessionFinalizing {
			if _, err := c.close(ctx); err != nil {
				c.logger.Error("Recovered session could not be finalized", "session", session.ID, "err", err)
			}
		}
	default:
		c.reset()
		return errs.New(errs.ErrInvalidTransition, "session %s is %s", session.ID, session.State)
	}
	c.logger.Info("Session recovered", "session", session.ID, "state", session.State)
	return nil
}

// shutdown ends a running operation prematurely and leaves the session Open so it
// can be recovered. Commands still queued are rejected.
func (c *Controller) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()

	for {
		cmd, ok := c.queue.TryDequeue()
		if !ok {
			break
		}
		if cmd.reply != nil {
			cmd.reply <- result{err: errs.New(errs.ErrInvalidTransition, "workbench %s is shut down", c.id)}
		}
	}

	c.stopTimer(&c.idTimer)
	c.stopTimer(&c.alertTimer)
	if c.state == models.SessionOpen {
		if ref, ok := c.deps.Builder.InProgress(c.session.ID); ok {
			c.logger.Info("Ending operation prematurely", "operation", ref.OperationID, "reason", shutdownReason)
			payload := []byte(fmt.Sprintf(`{"ended_reason":%q}`, shutdownReason))
			if _, err := c.deps.Builder.CompleteOperation(ctx, *ref, payload, true); err != nil {
				c.logger.Error("Failed to end operation at shutdown", "operation", ref.OperationID, "err", err)
			}
		}
		if err := c.deps.Recorder.Stop(ctx, c.session.ID); err != nil {
			c.logger.Error("Failed to stop recording", "session", c.session.ID, "err", err)
		}
	}
	c.publish()
	c.logger.Info("Workbench shut down", "state", c.state)
}

func (c *Controller) armIdentificationTimer() {
	c.stopTimer(&c.idTimer)
	if c.cfg.IdentificationTimeout > 0 {
		c.idTimer = c.deps.Clock.NewTimer(c.cfg.IdentificationTimeout)
	}
}

func (c *Controller) stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) reset() {
	c.stopTimer(&c.idTimer)
	c.stopTimer(&c.alertTimer)
	c.state = models.SessionIdle
	c.session = nil
	c.unit = nil
	c.overdue = false
}

// async runs an adapter call in the background with the configured timeout
func (c *Controller) async(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.logger.Error("Adapter call failed", "call", what, "err", err)
		}
	}()
}

func (c *Controller) publish() {
	s := Status{
		WorkbenchID:      c.id,
		State:            c.state,
		OperationOverdue: c.overdue,
		LastPassportID:   c.lastPSP,
		LastError:        c.lastErr,
	}
	if c.session != nil {
		s.SessionID = c.session.ID
		s.OperatorID = c.session.OperatorID
		if c.session.UnitID != nil {
			s.UnitID = *c.session.UnitID
		}
		if c.deps.Builder != nil {
			s.Operation, _ = c.deps.Builder.InProgress(c.session.ID)
			s.CompletedOperations = completedCount(c.deps.Builder.Operations(c.session.ID))
		}
	}
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
