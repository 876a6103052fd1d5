package anchoring

import (
	"context"
	"errors"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/ledger"
	"github.com/ahmadzakiakmal/passport-workbench/notify"
	"github.com/ahmadzakiakmal/passport-workbench/passport"
	"github.com/ahmadzakiakmal/passport-workbench/repository"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeContent is a content store whose next failPut uploads fail
type fakeContent struct {
	mu      sync.Mutex
	data    map[string][]byte
	failPut int
	puts    int
	hasCall int
}

func newFakeContent() *fakeContent {
	return &fakeContent{data: map[string][]byte{}}
}

func (f *fakeContent) Put(_ context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut > 0 {
		f.failPut--
		return "", errs.New(errs.ErrStorageUnavailable, "connection reset")
	}
	f.puts++
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	f.data[h] = data
	return "ipfs://" + h, nil
}

func (f *fakeContent) Has(_ context.Context, hash string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasCall++
	if _, ok := f.data[hash]; ok {
		return "ipfs://" + hash, true, nil
	}
	return "", false, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	receipts map[string]ledger.Receipt
	down     bool
	reject   bool
	posts    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{receipts: map[string]ledger.Receipt{}}
}

func (f *fakeLedger) Post(_ context.Context, a ledger.Anchor) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", 0, errs.New(errs.ErrLedgerUnavailable, "no route to host")
	}
	if f.reject {
		return "", 0, errs.New(errs.ErrAnchoringFailed, "ledger rejected anchor")
	}
	if err := a.Validate(); err != nil {
		return "", 0, err
	}
	f.posts++
	r := ledger.Receipt{Anchor: a, TxHash: "tx-" + a.PassportHash[:8], Height: int64(len(f.receipts) + 1)}
	f.receipts[a.PassportHash] = r
	return r.TxHash, r.Height, nil
}

func (f *fakeLedger) Find(_ context.Context, hash string) (*ledger.Receipt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, false, errs.New(errs.ErrLedgerUnavailable, "no route to host")
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (f *fakeAlerter) Alert(_ context.Context, a notify.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlerter) all() []notify.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Alert(nil), f.alerts...)
}

// wrappedStore fails the next failCreate record inserts and, with microseconds
// set, returns passports the way a timestamptz column keeps them
type wrappedStore struct {
	Store
	mu           sync.Mutex
	failCreate   int
	microseconds bool
}

func (w *wrappedStore) CreateAnchoring(ctx context.Context, record *models.AnchoringRecord) (*models.AnchoringRecord, bool, error) {
	w.mu.Lock()
	if w.failCreate > 0 {
		w.failCreate--
		w.mu.Unlock()
		return nil, false, errors.New("database is locked")
	}
	w.mu.Unlock()
	return w.Store.CreateAnchoring(ctx, record)
}

func (w *wrappedStore) GetPassport(ctx context.Context, ref string) (*models.Passport, error) {
	p, err := w.Store.GetPassport(ctx, ref)
	if err != nil || !w.microseconds {
		return p, err
	}
	p.FinalizedAt = p.FinalizedAt.Truncate(time.Microsecond)
	return p, nil
}

type harness struct {
	repo    *repository.Repository
	clock   *clockwork.FakeClock
	content *fakeContent
	ledger  *fakeLedger
	alerter *fakeAlerter
	cfg     Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := repository.Open(repository.DriverSQLite, filepath.Join(t.TempDir(), "anchoring.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return &harness{
		repo:    repo,
		clock:   clockwork.NewFakeClockAt(t0),
		content: newFakeContent(),
		ledger:  newFakeLedger(),
		alerter: &fakeAlerter{},
		cfg: Config{
			Workers:      1,
			PollInterval: time.Minute,
			LeaseTTL:     time.Minute,
			CallTimeout:  time.Second,
			Policy: Policy{
				MaxAttempts: 5,
				BaseDelay:   time.Second,
				MaxDelay:    10 * time.Second,
				Multiplier:  2,
			},
		},
	}
}

func (h *harness) pipeline() *Pipeline {
	return New(Deps{
		Store:   h.repo,
		Content: h.content,
		Ledger:  h.ledger,
		Alerter: h.alerter,
		Clock:   h.clock,
	}, h.cfg)
}

// finalize stores a closed session and its passport for unitID
func (h *harness) finalize(t *testing.T, unitID string) *models.Passport {
	t.Helper()
	return h.finalizeAt(t, unitID, t0)
}

func (h *harness) finalizeAt(t *testing.T, unitID string, at time.Time) *models.Passport {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.repo.CreateUnit(ctx, &models.Unit{ID: unitID, UnitType: "drive"}, nil))
	session := &models.Session{
		ID:          "S-" + unitID,
		WorkbenchID: "WB-" + unitID,
		State:       models.SessionOpen,
		OperatorID:  "OPR-1",
		UnitID:      &unitID,
		OpenedAt:    t0,
	}
	require.NoError(t, h.repo.CreateSession(ctx, session))
	require.NoError(t, h.repo.TransitionSession(ctx, session.ID, []string{models.SessionOpen}, models.SessionFinalizing, nil))

	chain, err := passport.ChainHash(unitID, nil)
	require.NoError(t, err)
	p := &models.Passport{
		ID:          passport.IDFor(chain),
		UnitID:      unitID,
		UnitType:    "drive",
		SessionID:   session.ID,
		WorkbenchID: session.WorkbenchID,
		ChainHash:   chain,
		Operations:  []byte(`[]`),
		FinalizedAt: at,
	}
	require.NoError(t, h.repo.FinalizeSession(ctx, p, at))
	return p
}

func (h *harness) status(t *testing.T, hash string) *models.AnchoringRecord {
	t.Helper()
	rec, err := h.repo.GetAnchoring(context.Background(), hash)
	require.NoError(t, err)
	return rec
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	var got []time.Duration
	for i := 1; i <= 6; i++ {
		got = append(got, p.Delay(i))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)

	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
	assert.False(t, Policy{}.Exhausted(100))

	jittered := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.pipeline()
	pp := h.finalize(t, "U1")

	first, err := p.Enqueue(ctx, pp)
	require.NoError(t, err)
	second, err := p.Enqueue(ctx, pp)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.AnchoringPending, second.Status)

	doc, err := passport.Render(pp, &models.Unit{ID: "U1", UnitType: "drive"})
	require.NoError(t, err)
	assert.Equal(t, passport.ContentHash(doc), first.ContentHash)

	counts, err := h.repo.CountAnchoring(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.AnchoringPending])
}

func TestUploadFailsTwiceThenSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.content.failPut = 2
	p := h.pipeline()
	pp := h.finalize(t, "U1")
	_, err := p.Enqueue(ctx, pp)
	require.NoError(t, err)

	busy, err := p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	require.True(t, busy)
	rec := h.status(t, pp.ChainHash)
	assert.Equal(t, models.AnchoringPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "connection reset")
	assert.Nil(t, rec.LeaseOwner)

	// not due until the backoff delay has passed
	busy, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	assert.False(t, busy)

	h.clock.Advance(time.Second)
	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 2, h.status(t, pp.ChainHash).Attempts)

	h.clock.Advance(2 * time.Second)
	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)

	rec = h.status(t, pp.ChainHash)
	assert.Equal(t, models.AnchoringLedgerCommitted, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.LastError)
	require.NotNil(t, rec.Locator)
	require.NotNil(t, rec.TxRef)
	assert.Equal(t, int64(1), rec.BlockHeight)
	assert.Equal(t, 1, h.content.puts)
	assert.Equal(t, 1, h.ledger.posts)
	assert.Equal(t, *rec.Locator, h.ledger.receipts[pp.ChainHash].Locator)
}

func TestPermanentFailureThenRequeue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.Policy.MaxAttempts = 2
	h.content.failPut = 100
	p := h.pipeline()
	pp := h.finalize(t, "U1")
	_, err := p.Enqueue(ctx, pp)
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)

	rec := h.status(t, pp.ChainHash)
	assert.Equal(t, models.AnchoringFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.LastError, "connection reset")

	// never picked up again on its own
	h.clock.Advance(time.Hour)
	busy, err := p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	assert.False(t, busy)

	alerts := h.alerter.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.AlertAnchoringFailed, alerts[0].Kind)
	assert.Equal(t, pp.ChainHash, alerts[0].Subject)

	failed, err := p.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	h.content.failPut = 0
	requeued, err := p.Requeue(ctx, pp.ChainHash, "OPR-9")
	require.NoError(t, err)
	assert.Equal(t, models.AnchoringPending, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)

	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	rec = h.status(t, pp.ChainHash)
	assert.Equal(t, models.AnchoringLedgerCommitted, rec.Status)
	assert.Equal(t, 1, rec.Requeued)

	_, err = p.Requeue(ctx, pp.ChainHash, "OPR-9")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestLedgerRejectionFailsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ledger.reject = true
	p := h.pipeline()
	pp := h.finalize(t, "U1")
	_, err := p.Enqueue(ctx, pp)
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)

	rec := h.status(t, pp.ChainHash)
	assert.Equal(t, models.AnchoringFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	// the upload stays recorded so a requeue resumes at the ledger
	require.NotNil(t, rec.Locator)

	h.ledger.reject = false
	requeued, err := p.Requeue(ctx, pp.ChainHash, "OPR-9")
	require.NoError(t, err)
	assert.Equal(t, models.AnchoringStorageCommitted, requeued.Status)
}

func TestRestartResumesWithoutReupload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ledger.down = true
	pp := h.finalize(t, "U1")

	before := h.pipeline()
	_, err := before.Enqueue(ctx, pp)
	require.NoError(t, err)
	_, err = before.ProcessNext(ctx, "old-worker")
	require.NoError(t, err)

	rec := h.status(t, pp.ChainHash)
	require.Equal(t, models.AnchoringStorageCommitted, rec.Status)
	require.Equal(t, 1, h.content.puts)
	hasCalls := h.content.hasCall

	// a new process over the same database
	h.ledger.down = false
	after := h.pipeline()
	h.clock.Advance(time.Minute)
	busy, err := after.ProcessNext(ctx, "new-worker")
	require.NoError(t, err)
	require.True(t, busy)

	rec = h.status(t, pp.ChainHash)
	assert.Equal(t, models.AnchoringLedgerCommitted, rec.Status)
	assert.Equal(t, 1, h.content.puts)
	assert.Equal(t, hasCalls, h.content.hasCall)
}

func TestUploadSkippedWhenContentExists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.pipeline()
	pp := h.finalize(t, "U1")
	rec, err := p.Enqueue(ctx, pp)
	require.NoError(t, err)

	// uploaded by an attempt that crashed before recording it
	doc, err := passport.Render(pp, &models.Unit{ID: "U1", UnitType: "drive"})
	require.NoError(t, err)
	h.content.data[rec.ContentHash] = doc

	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	assert.Zero(t, h.content.puts)
	assert.Equal(t, models.AnchoringLedgerCommitted, h.status(t, pp.ChainHash).Status)
}

func TestPostSkippedWhenAnchorExists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.pipeline()
	pp := h.finalize(t, "U1")
	_, err := p.Enqueue(ctx, pp)
	require.NoError(t, err)

	h.ledger.receipts[pp.ChainHash] = ledger.Receipt{TxHash: "tx-earlier", Height: 7}

	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	rec := h.status(t, pp.ChainHash)
	assert.Equal(t, models.AnchoringLedgerCommitted, rec.Status)
	require.NotNil(t, rec.TxRef)
	assert.Equal(t, "tx-earlier", *rec.TxRef)
	assert.Equal(t, int64(7), rec.BlockHeight)
	assert.Zero(t, h.ledger.posts)
}

func TestReconcileEnqueuesOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.pipeline()
	h.finalize(t, "U1")
	h.finalize(t, "U2")

	n, err := p.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkersAnchorAndStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.Workers = 3
	reg := prometheus.NewRegistry()
	p := New(Deps{
		Store:   h.repo,
		Content: h.content,
		Ledger:  h.ledger,
		Alerter: h.alerter,
		Clock:   h.clock,
		Metrics: NewMetrics(reg),
	}, h.cfg)

	orphan := h.finalize(t, "U1")
	require.NoError(t, p.Start(ctx))
	assert.Error(t, p.Start(ctx))

	fresh := h.finalize(t, "U2")
	_, err := p.Enqueue(ctx, fresh)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, errA := h.repo.GetAnchoring(ctx, orphan.ChainHash)
		b, errB := h.repo.GetAnchoring(ctx, fresh.ChainHash)
		return errA == nil && errB == nil &&
			a.Status == models.AnchoringLedgerCommitted &&
			b.Status == models.AnchoringLedgerCommitted
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
	assert.Equal(t, 2, h.ledger.posts)
	assert.Equal(t, 2, h.content.puts)
}

func TestContentHashMatchesMicrosecondStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	store := &wrappedStore{Store: h.repo, microseconds: true}
	p := New(Deps{Store: store, Content: h.content, Ledger: h.ledger, Alerter: h.alerter, Clock: h.clock}, h.cfg)

	pp := h.finalizeAt(t, "U1", t0.Add(123456789*time.Nanosecond))
	_, err := p.Enqueue(ctx, pp)
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	rec := h.status(t, pp.ChainHash)
	assert.Equal(t, models.AnchoringLedgerCommitted, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestFailedEnqueueIsReconciledWhileRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.ReconcileInterval = time.Minute
	// the enqueue after finalize and the reconciliation at start both fail
	store := &wrappedStore{Store: h.repo, failCreate: 2}
	p := New(Deps{Store: store, Content: h.content, Ledger: h.ledger, Alerter: h.alerter, Clock: h.clock}, h.cfg)

	pp := h.finalize(t, "U1")
	_, err := p.Enqueue(ctx, pp)
	require.Error(t, err)

	require.NoError(t, p.Start(ctx))
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Minute)
		rec, err := h.repo.GetAnchoring(ctx, pp.ChainHash)
		return err == nil && rec.Status == models.AnchoringLedgerCommitted
	}, 5*time.Second, 10*time.Millisecond)
	p.Stop()
	assert.Equal(t, 1, h.ledger.posts)
}
