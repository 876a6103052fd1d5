package passport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/datatypes"
)

// Store is the persistence the Builder writes through
type Store interface {
	AppendOperation(ctx context.Context, op *models.OperationRecord) error
	CompleteOperation(ctx context.Context, op *models.OperationRecord) error
	FinalizeSession(ctx context.Context, passport *models.Passport, closedAt time.Time) error
	FinalizedChainHashes(ctx context.Context, unitIDs []string) (map[string]string, error)
}

// OperationRef identifies an operation in progress
type OperationRef struct {
	SessionID   string `json:"session_id"`
	OperationID string `json:"operation_id"`
	Seq         int    `json:"seq"`
}

// draft is the in-memory record of one open session
type draft struct {
	sessionID   string
	workbenchID string
	unit        models.Unit
	operations  []models.OperationRecord
	inProgress  int // index into operations, -1 when idle
}

// Builder maintains the operation lists of open sessions and is the only writer
// of chain hashes. Drafts are caches of the persisted session and can be rebuilt
// with Resume.
type Builder struct {
	store  Store
	clock  clockwork.Clock
	logger cmtlog.Logger

	mu     sync.Mutex
	drafts map[string]*draft
}

// Option configures a Builder
type Option func(*Builder)

// WithClock sets the clock used for operation timestamps
func WithClock(c clockwork.Clock) Option {
	return func(b *Builder) { b.clock = c }
}

// WithLogger sets the logger
func WithLogger(l cmtlog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a Builder writing through store
func NewBuilder(store Store, opts ...Option) *Builder {
	b := &Builder{
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: cmtlog.NewNopLogger(),
		drafts: make(map[string]*draft),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("module", "passport")
	return b
}

// Resume registers an open session, including any operations already persisted
func (b *Builder) Resume(session *models.Session, unit *models.Unit) {
	d := &draft{
		sessionID:   session.ID,
		workbenchID: session.WorkbenchID,
		unit:        *unit,
		operations:  append([]models.OperationRecord(nil), session.Operations...),
		inProgress:  -1,
	}
	for i := range d.operations {
		if !d.operations[i].Completed() {
			d.inProgress = i
		}
	}
	b.mu.Lock()
	b.drafts[session.ID] = d
	b.mu.Unlock()
}

// Discard drops a session's draft without producing a passport
func (b *Builder) Discard(sessionID string) {
	b.mu.Lock()
	delete(b.drafts, sessionID)
	b.mu.Unlock()
}

func (b *Builder) draft(sessionID string) (*draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.drafts[sessionID]
	if !ok {
		return nil, errs.New(errs.ErrSessionNotOpen, "session %s", sessionID)
	}
	return d, nil
}

// InProgress returns the operation currently running in the session, if any
func (b *Builder) InProgress(sessionID string) (*OperationRef, bool) {
	d, err := b.draft(sessionID)
	if err != nil || d.inProgress < 0 {
		return nil, false
	}
	op := d.operations[d.inProgress]
	return &OperationRef{SessionID: sessionID, OperationID: op.ID, Seq: op.Seq}, true
}

// Operations returns a copy of the session's operations in append order
func (b *Builder) Operations(sessionID string) []models.OperationRecord {
	d, err := b.draft(sessionID)
	if err != nil {
		return nil
	}
	return append([]models.OperationRecord(nil), d.operations...)
}

// StartOperation begins a new operation in an open session. Only one operation may
// be in progress per session.
func (b *Builder) StartOperation(ctx context.Context, sessionID, operatorID, operationType string) (*OperationRef, error) {
	d, err := b.draft(sessionID)
	if err != nil {
		return nil, err
	}
	if d.inProgress >= 0 {
		return nil, errs.New(errs.ErrConcurrentOperation, "operation %s is in progress", d.operations[d.inProgress].ID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate operation id: %w", err)
	}
	op := models.OperationRecord{
		ID:            id.String(),
		SessionID:     sessionID,
		Seq:           len(d.operations) + 1,
		UnitID:        d.unit.ID,
		OperationType: operationType,
		OperatorID:    operatorID,
		WorkbenchID:   d.workbenchID,
		StartedAt:     b.now(),
	}
	if err := b.store.AppendOperation(ctx, &op); err != nil {
		return nil, err
	}
	d.operations = append(d.operations, op)
	d.inProgress = len(d.operations) - 1

	b.logger.Info("Operation started", "session", sessionID, "operation", op.ID, "type", operationType, "seq", op.Seq)
	return &OperationRef{SessionID: sessionID, OperationID: op.ID, Seq: op.Seq}, nil
}

// CompleteOperation ends the running operation, hashing its payload. A premature
// end keeps the record but flags it, and the step may be repeated.
func (b *Builder) CompleteOperation(ctx context.Context, ref OperationRef, payload []byte, premature bool) (*models.OperationRecord, error) {
	d, err := b.draft(ref.SessionID)
	if err != nil {
		return nil, err
	}
	if d.inProgress < 0 || d.operations[d.inProgress].ID != ref.OperationID {
		return nil, errs.New(errs.ErrUnknownOperation, "operation %s in session %s", ref.OperationID, ref.SessionID)
	}

	canonical, hash, err := PayloadHash(payload)
	if err != nil {
		return nil, err
	}

	op := d.operations[d.inProgress]
	end := b.now()
	if end.Before(op.StartedAt) {
		end = op.StartedAt
	}
	op.EndedAt = &end
	op.EndedPrematurely = premature
	op.Payload = datatypes.JSON(canonical)
	op.PayloadHash = hash
	if err := b.store.CompleteOperation(ctx, &op); err != nil {
		return nil, err
	}
	d.operations[d.inProgress] = op
	d.inProgress = -1

	b.logger.Info("Operation completed",
		"session", ref.SessionID,
		"operation", op.ID,
		"premature", premature,
		"duration", end.Sub(op.StartedAt),
	)
	return &op, nil
}

// Finalize seals the session into an immutable passport. The session must have at
// least one regularly completed operation and nothing in progress, and every
// component of a composite unit must already have a passport.
func (b *Builder) Finalize(ctx context.Context, sessionID string) (*models.Passport, error) {
	d, err := b.draft(sessionID)
	if err != nil {
		return nil, err
	}
	if d.inProgress >= 0 {
		return nil, errs.New(errs.ErrIncompleteOperation, "operation %s is in progress", d.operations[d.inProgress].ID)
	}
	regular := 0
	for _, op := range d.operations {
		if op.Completed() && !op.EndedPrematurely {
			regular++
		}
	}
	if regular == 0 {
		return nil, errs.New(errs.ErrIncompleteOperation, "session %s has no completed operation", sessionID)
	}

	components := d.unit.ComponentIDs()
	componentHashes, err := b.store.FinalizedChainHashes(ctx, components)
	if err != nil {
		return nil, err
	}
	for _, id := range components {
		if _, ok := componentHashes[id]; !ok {
			return nil, errs.New(errs.ErrUnresolvedComponent, "component %s of unit %s has no passport", id, d.unit.ID)
		}
	}

	hashes := make([]string, len(d.operations))
	for i, op := range d.operations {
		hashes[i] = op.PayloadHash
	}
	chain, err := ChainHash(d.unit.ID, hashes)
	if err != nil {
		return nil, err
	}

	opsJSON, err := json.Marshal(d.operations)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot operations: %w", err)
	}
	compJSON, err := json.Marshal(componentHashes)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot components: %w", err)
	}

	now := b.now()
	p := &models.Passport{
		ID:          IDFor(chain),
		UnitID:      d.unit.ID,
		UnitType:    d.unit.UnitType,
		SessionID:   sessionID,
		WorkbenchID: d.workbenchID,
		ChainHash:   chain,
		Operations:  datatypes.JSON(opsJSON),
		Components:  datatypes.JSON(compJSON),
		FinalizedAt: now,
	}
	if err := b.store.FinalizeSession(ctx, p, now); err != nil {
		return nil, err
	}
	b.Discard(sessionID)

	b.logger.Info("Passport finalized", "passport", p.ID, "unit", p.UnitID, "operations", len(d.operations), "chain_hash", chain)
	return p, nil
}

// now reads the clock at the precision a timestamptz column keeps, so a passport
// renders to the same document before and after a round trip through the store
func (b *Builder) now() time.Time {
	return b.clock.Now().UTC().Truncate(time.Microsecond)
}

// IDFor derives the passport id from its chain hash
func IDFor(chainHash string) string {
	if len(chainHash) > 16 {
		chainHash = chainHash[:16]
	}
	return "PSP-" + chainHash
}

// Operations decodes the immutable operation snapshot of a passport
func Operations(p *models.Passport) ([]models.OperationRecord, error) {
	var ops []models.OperationRecord
	if err := json.Unmarshal(p.Operations, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode passport operations: %w", err)
	}
	return ops, nil
}

// Verify recomputes every payload hash and the chain hash of p and compares them
// with the stored values
func Verify(p *models.Passport) (bool, error) {
	ops, err := Operations(p)
	if err != nil {
		return false, err
	}
	hashes := make([]string, len(ops))
	for i, op := range ops {
		_, h, err := PayloadHash(op.Payload)
		if err != nil {
			return false, err
		}
		if h != op.PayloadHash {
			return false, nil
		}
		hashes[i] = h
	}
	chain, err := ChainHash(p.UnitID, hashes)
	if err != nil {
		return false, err
	}
	return chain == p.ChainHash, nil
}
