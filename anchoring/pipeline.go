// Package anchoring commits finalized passports to content storage and then to the
// datalog ledger. Work is driven by durable anchoring records so that it survives
// restarts, is deduplicated by passport hash and is retried with backoff.
package anchoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/ledger"
	"github.com/ahmadzakiakmal/passport-workbench/notify"
	"github.com/ahmadzakiakmal/passport-workbench/passport"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Stages reported in logs and metrics
const (
	StageStorage = "storage"
	StageLedger  = "ledger"
)

var allStatuses = []string{
	models.AnchoringPending,
	models.AnchoringStorageCommitted,
	models.AnchoringLedgerCommitted,
	models.AnchoringFailed,
}

// Store is the durable queue of anchoring records
type Store interface {
	CreateAnchoring(ctx context.Context, record *models.AnchoringRecord) (*models.AnchoringRecord, bool, error)
	GetAnchoring(ctx context.Context, passportHash string) (*models.AnchoringRecord, error)
	ClaimDueAnchoring(ctx context.Context, owner string, now time.Time, ttl time.Duration) (*models.AnchoringRecord, error)
	AdvanceAnchoring(ctx context.Context, passportHash, owner, from, to string, fields map[string]any) error
	RecordAnchoringFailure(ctx context.Context, passportHash, owner, lastErr string, next time.Time) error
	ReleaseAnchoring(ctx context.Context, passportHash, owner string) error
	ListAnchoring(ctx context.Context, status string) ([]models.AnchoringRecord, error)
	CountAnchoring(ctx context.Context) (map[string]int64, error)
	RequeueAnchoring(ctx context.Context, passportHash string, now time.Time) (*models.AnchoringRecord, error)
	PassportsWithoutAnchoring(ctx context.Context) ([]models.Passport, error)
	GetPassport(ctx context.Context, ref string) (*models.Passport, error)
	GetUnit(ctx context.Context, unitID string) (*models.Unit, error)
}

// ContentStore is a content-addressed store
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Has(ctx context.Context, hash string) (string, bool, error)
}

// Ledger is the datalog the passport hash is posted to
type Ledger interface {
	Post(ctx context.Context, a ledger.Anchor) (string, int64, error)
	Find(ctx context.Context, passportHash string) (*ledger.Receipt, bool, error)
}

type Config struct {
	Workers      int
	PollInterval time.Duration
	// ReconcileInterval is how often passports without an anchoring record are
	// looked for while running
	ReconcileInterval time.Duration
	LeaseTTL          time.Duration
	// CallTimeout bounds each content store and ledger call
	CallTimeout time.Duration
	Policy      Policy
}

func DefaultConfig() Config {
	return Config{
		Workers:           2,
		PollInterval:      5 * time.Second,
		ReconcileInterval: time.Minute,
		LeaseTTL:          2 * time.Minute,
		CallTimeout:       30 * time.Second,
		Policy:            DefaultPolicy(),
	}
}

type Deps struct {
	Store   Store
	Content ContentStore
	Ledger  Ledger
	Alerter notify.Alerter
	Clock   clockwork.Clock
	Logger  cmtlog.Logger
	Metrics *Metrics
}

// Pipeline runs the anchoring workers
type Pipeline struct {
	deps     Deps
	cfg      Config
	logger   cmtlog.Logger
	clock    clockwork.Clock
	instance string
	wake     chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

func New(deps Deps, cfg Config) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = cmtlog.NewNopLogger()
	}
	if deps.Alerter == nil {
		deps.Alerter = notify.Nop{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	// a lease must outlive one attempt: two storage calls and two ledger calls
	if floor := 5 * cfg.CallTimeout; cfg.LeaseTTL < floor {
		cfg.LeaseTTL = floor
	}
	return &Pipeline{
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.With("module", "anchoring"),
		clock:    deps.Clock,
		instance: uuid.NewString()[:8],
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue records a finalized passport for anchoring. Enqueueing the same passport
// again returns the existing record. The content hash is taken from the stored
// passport, the same row the upload is rendered from.
func (p *Pipeline) Enqueue(ctx context.Context, pp *models.Passport) (*models.AnchoringRecord, error) {
	stored, err := p.deps.Store.GetPassport(ctx, pp.ChainHash)
	if err != nil {
		return nil, err
	}
	pp = stored
	doc, err := p.render(ctx, pp)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate anchoring id: %w", err)
	}
	record := &models.AnchoringRecord{
		ID:            id.String(),
		PassportHash:  pp.ChainHash,
		PassportID:    pp.ID,
		UnitID:        pp.UnitID,
		ContentHash:   passport.ContentHash(doc),
		Status:        models.AnchoringPending,
		NextAttemptAt: p.clock.Now().UTC(),
	}
	existing, created, err := p.deps.Store.CreateAnchoring(ctx, record)
	if err != nil {
		return nil, err
	}
	if created {
		p.logger.Info("Passport queued for anchoring", "passport", pp.ID, "hash", pp.ChainHash)
		p.signal()
	}
	return existing, nil
}

// Status returns the anchoring record of a passport hash
func (p *Pipeline) Status(ctx context.Context, passportHash string) (*models.AnchoringRecord, error) {
	return p.deps.Store.GetAnchoring(ctx, passportHash)
}

// Counts returns the number of records per status
func (p *Pipeline) Counts(ctx context.Context) (map[string]int64, error) {
	return p.deps.Store.CountAnchoring(ctx)
}

// Failed lists the records that need operator intervention
func (p *Pipeline) Failed(ctx context.Context) ([]models.AnchoringRecord, error) {
	return p.deps.Store.ListAnchoring(ctx, models.AnchoringFailed)
}

// Requeue takes a permanently failed record back into the queue on behalf of an
// operator. It resumes from the last committed stage.
func (p *Pipeline) Requeue(ctx context.Context, passportHash, requestedBy string) (*models.AnchoringRecord, error) {
	record, err := p.deps.Store.RequeueAnchoring(ctx, passportHash, p.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	p.logger.Info("Anchoring requeued by operator",
		"hash", passportHash,
		"passport", record.PassportID,
		"requested_by", requestedBy,
		"resume_at", record.Status,
		"requeued", record.Requeued,
	)
	p.signal()
	return record, nil
}

// Reconcile enqueues finalized passports that have no anchoring record, such as
// those finalized just before a crash. It returns how many were enqueued.
func (p *Pipeline) Reconcile(ctx context.Context) (int, error) {
	passports, err := p.deps.Store.PassportsWithoutAnchoring(ctx)
	if err != nil {
		return 0, err
	}
	var problems []error
	n := 0
	for i := range passports {
		pp := &passports[i]
		if _, err := p.Enqueue(ctx, pp); err != nil {
			p.logger.Error("Failed to enqueue passport during reconciliation", "passport", pp.ID, "err", err)
			p.alert(ctx, notify.Alert{
				Kind:    notify.AlertPassportUnqueued,
				Subject: pp.ChainHash,
				Message: fmt.Sprintf("passport %s could not be queued for anchoring: %v", pp.ID, err),
				Labels:  map[string]string{"passport_id": pp.ID, "unit_id": pp.UnitID},
			})
			problems = append(problems, err)
			continue
		}
		n++
	}
	if n > 0 {
		p.logger.Info("Reconciled unanchored passports", "count", n)
	}
	return n, errors.Join(problems...)
}

// Start reconciles and launches the workers and the periodic reconciliation.
// They run until Stop is called or ctx is done.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("anchoring pipeline already started")
	}
	if _, err := p.Reconcile(ctx); err != nil {
		p.logger.Error("Reconciliation incomplete", "err", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		owner := fmt.Sprintf("%s-%d", p.instance, i)
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			p.work(runCtx, owner)
		}()
	}
	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		p.reconcileLoop(runCtx)
	}()
	p.logger.Info("Anchoring pipeline started", "workers", p.cfg.Workers)
	return nil
}

// Stop stops claiming new work and waits for in-flight attempts to finish
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.workers.Wait()
	p.logger.Info("Anchoring pipeline stopped")
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) work(ctx context.Context, owner string) {
	for {
		for ctx.Err() == nil {
			// attempts are not cut short by Stop
			busy, err := p.ProcessNext(context.WithoutCancel(ctx), owner)
			if err != nil {
				p.logger.Error("Anchoring worker error", "worker", owner, "err", err)
				break
			}
			if !busy {
				break
			}
		}
		p.refreshCounts(ctx)

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-p.clock.After(p.cfg.PollInterval):
		}
	}
}

// reconcileLoop picks up passports whose enqueue failed after finalize
func (p *Pipeline) reconcileLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.ReconcileInterval):
		}
		n, err := p.Reconcile(ctx)
		if err != nil {
			p.logger.Error("Reconciliation incomplete", "err", err)
		}
		if n > 0 {
			p.signal()
		}
	}
}

func (p *Pipeline) refreshCounts(ctx context.Context) {
	if p.deps.Metrics == nil {
		return
	}
	counts, err := p.deps.Store.CountAnchoring(ctx)
	if err != nil {
		return
	}
	p.deps.Metrics.setCounts(counts, allStatuses)
}

// ProcessNext claims one due record and runs a single attempt on it. It reports
// whether a record was claimed.
func (p *Pipeline) ProcessNext(ctx context.Context, owner string) (bool, error) {
	record, err := p.deps.Store.ClaimDueAnchoring(ctx, owner, p.clock.Now().UTC(), p.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}

	logger := p.logger.With("hash", record.PassportHash, "passport", record.PassportID, "attempt", record.Attempts)
	stage, err := p.attempt(ctx, owner, record, logger)
	if err == nil {
		return true, nil
	}
	return true, p.fail(ctx, owner, record, stage, err, logger)
}

// attempt advances the record as far as it can go. It returns the stage that
// failed together with the error.
func (p *Pipeline) attempt(ctx context.Context, owner string, record *models.AnchoringRecord, logger cmtlog.Logger) (string, error) {
	if record.Status == models.AnchoringPending {
		locator, err := p.commitContent(ctx, record, logger)
		if err != nil {
			p.deps.Metrics.attempt(StageStorage, "error")
			return StageStorage, err
		}
		p.deps.Metrics.attempt(StageStorage, "ok")
		err = p.deps.Store.AdvanceAnchoring(ctx, record.PassportHash, owner,
			models.AnchoringPending, models.AnchoringStorageCommitted,
			map[string]any{"locator": locator})
		if err != nil {
			return StageStorage, err
		}
		record.Status = models.AnchoringStorageCommitted
		record.Locator = &locator
		logger.Info("Passport stored", "locator", locator)
	}

	if record.Status == models.AnchoringStorageCommitted {
		txRef, height, err := p.commitLedger(ctx, record, logger)
		if err != nil {
			p.deps.Metrics.attempt(StageLedger, "error")
			return StageLedger, err
		}
		p.deps.Metrics.attempt(StageLedger, "ok")
		err = p.deps.Store.AdvanceAnchoring(ctx, record.PassportHash, owner,
			models.AnchoringStorageCommitted, models.AnchoringLedgerCommitted,
			map[string]any{"tx_ref": txRef, "block_height": height})
		if err != nil {
			return StageLedger, err
		}
		record.Status = models.AnchoringLedgerCommitted
		record.TxRef = &txRef
		record.BlockHeight = height
		logger.Info("Passport anchored", "tx", txRef, "height", height)
	}
	return "", nil
}

// commitContent uploads the passport document unless the store already has it
func (p *Pipeline) commitContent(ctx context.Context, record *models.AnchoringRecord, logger cmtlog.Logger) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	if locator, ok, err := p.deps.Content.Has(callCtx, record.ContentHash); err != nil {
		return "", err
	} else if ok {
		logger.Info("Passport already in content store", "locator", locator)
		return locator, nil
	}

	pp, err := p.deps.Store.GetPassport(ctx, record.PassportHash)
	if err != nil {
		return "", err
	}
	doc, err := p.render(ctx, pp)
	if err != nil {
		return "", err
	}
	if hash := passport.ContentHash(doc); hash != record.ContentHash {
		return "", errs.New(errs.ErrAnchoringFailed, "passport document hash %s does not match queued %s", hash, record.ContentHash)
	}

	putCtx, cancelPut := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancelPut()
	return p.deps.Content.Put(putCtx, doc)
}

// commitLedger posts the anchor unless the ledger already holds it
func (p *Pipeline) commitLedger(ctx context.Context, record *models.AnchoringRecord, logger cmtlog.Logger) (string, int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	if receipt, ok, err := p.deps.Ledger.Find(callCtx, record.PassportHash); err != nil {
		return "", 0, err
	} else if ok {
		logger.Info("Passport already on ledger", "tx", receipt.TxHash)
		return receipt.TxHash, receipt.Height, nil
	}

	locator := ""
	if record.Locator != nil {
		locator = *record.Locator
	}
	anchor := ledger.Anchor{
		PassportHash: record.PassportHash,
		PassportID:   record.PassportID,
		UnitID:       record.UnitID,
		ContentHash:  record.ContentHash,
		Locator:      locator,
		Timestamp:    p.clock.Now().UTC(),
	}
	postCtx, cancelPost := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancelPost()
	return p.deps.Ledger.Post(postCtx, anchor)
}

// fail schedules a retry, or marks the record permanently failed when retries are
// exhausted or the error cannot be fixed by retrying
func (p *Pipeline) fail(ctx context.Context, owner string, record *models.AnchoringRecord, stage string, cause error, logger cmtlog.Logger) error {
	permanent := errs.ClassOf(cause) == errs.ClassPermanent
	if !permanent && !p.cfg.Policy.Exhausted(record.Attempts) {
		next := p.clock.Now().UTC().Add(p.cfg.Policy.Delay(record.Attempts))
		logger.Info("Anchoring attempt failed, will retry", "stage", stage, "err", cause, "next_attempt", next)
		return p.deps.Store.RecordAnchoringFailure(ctx, record.PassportHash, owner, cause.Error(), next)
	}

	err := p.deps.Store.AdvanceAnchoring(ctx, record.PassportHash, owner,
		record.Status, models.AnchoringFailed,
		map[string]any{"last_error": cause.Error()})
	if err != nil {
		_ = p.deps.Store.ReleaseAnchoring(ctx, record.PassportHash, owner)
		return err
	}
	p.deps.Metrics.permanentFailure()
	logger.Error("Anchoring permanently failed", "stage", stage, "attempts", record.Attempts, "err", cause)
	p.alert(ctx, notify.Alert{
		Kind:    notify.AlertAnchoringFailed,
		Subject: record.PassportHash,
		Message: fmt.Sprintf("passport %s could not be anchored after %d attempts: %v", record.PassportID, record.Attempts, cause),
		Labels: map[string]string{
			"passport_id": record.PassportID,
			"unit_id":     record.UnitID,
			"stage":       stage,
		},
	})
	return nil
}

func (p *Pipeline) alert(ctx context.Context, a notify.Alert) {
	a.At = p.clock.Now().UTC()
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	if err := p.deps.Alerter.Alert(callCtx, a); err != nil {
		p.logger.Error("Failed to deliver alert", "kind", a.Kind, "subject", a.Subject, "err", err)
	}
}

func (p *Pipeline) render(ctx context.Context, pp *models.Passport) ([]byte, error) {
	unit, err := p.deps.Store.GetUnit(ctx, pp.UnitID)
	if err != nil {
		return nil, err
	}
	return passport.Render(pp, unit)
}
