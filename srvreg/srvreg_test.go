package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/device"
	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/passport"
	"github.com/ahmadzakiakmal/passport-workbench/repository"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"github.com/ahmadzakiakmal/passport-workbench/workbench"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a valid EAN-13 used as unit id
const unitBarcode = "4006381333931"

type fakeAnchoring struct {
	mu      sync.Mutex
	records map[string]*models.AnchoringRecord
}

func (f *fakeAnchoring) Enqueue(_ context.Context, p *models.Passport) (*models.AnchoringRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &models.AnchoringRecord{PassportHash: p.ChainHash, PassportID: p.ID, UnitID: p.UnitID, Status: models.AnchoringPending}
	f.records[p.ChainHash] = r
	return r, nil
}

func (f *fakeAnchoring) Status(_ context.Context, hash string) (*models.AnchoringRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[hash]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, "anchoring record %s", hash)
	}
	return r, nil
}

func (f *fakeAnchoring) Failed(context.Context) ([]models.AnchoringRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AnchoringRecord
	for _, r := range f.records {
		if r.Status == models.AnchoringFailed {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeAnchoring) Requeue(_ context.Context, hash, _ string) (*models.AnchoringRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[hash]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, "anchoring record %s", hash)
	}
	if r.Status != models.AnchoringFailed {
		return nil, errs.New(errs.ErrInvalidTransition, "record is %s", r.Status)
	}
	r.Status = models.AnchoringPending
	r.Requeued++
	return r, nil
}

func (f *fakeAnchoring) Counts(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for _, r := range f.records {
		out[r.Status]++
	}
	return out, nil
}

type harness struct {
	repo      *repository.Repository
	anchoring *fakeAnchoring
	reg       *workbench.Registry
	sr        *ServiceRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := repository.Open(repository.DriverSQLite, filepath.Join(t.TempDir(), "srv.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.UpsertOperators(context.Background(), []models.Operator{
		{ID: "OPR-A", Name: "Ayu", RFIDCardID: "CARD-A"},
	}))

	clock := clockwork.NewFakeClock()
	anchoring := &fakeAnchoring{records: map[string]*models.AnchoringRecord{}}
	reg, err := workbench.NewRegistry([]string{"WB-1"}, workbench.Deps{
		Store:    repo,
		Builder:  passport.NewBuilder(repo, passport.WithClock(clock)),
		Anchorer: anchoring,
		Clock:    clock,
	}, workbench.Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() {
		_ = reg.Shutdown(context.Background())
		cancel()
	})

	normalizer := device.NewNormalizer(repo, 2*time.Second, device.WithClock(clock))
	devices := map[string]device.Kind{"rfid-1": device.KindRFID, "scan-1": device.KindBarcode}
	sr := NewServiceRegistry(reg, normalizer, devices, repo, anchoring, nil)
	sr.RegisterDefaultServices()
	return &harness{repo: repo, anchoring: anchoring, reg: reg, sr: sr}
}

func (h *harness) do(t *testing.T, method, path, body string) *Response {
	t.Helper()
	req := &Request{Method: method, Path: path, Body: body, Timestamp: time.Now()}
	resp, _ := req.GenerateResponse(context.Background(), h.sr)
	require.NotNil(t, resp)
	return resp
}

func (h *harness) state(t *testing.T) string {
	t.Helper()
	wb, err := h.reg.Get("WB-1")
	require.NoError(t, err)
	return wb.Status().State
}

func TestMatchPath(t *testing.T) {
	params, ok := matchPath("/workbenches/:id/operations/:seq/complete", "/workbenches/WB-1/operations/2/complete")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"id": "WB-1", "seq": "2"}, params)

	_, ok = matchPath("/workbenches/:id", "/workbenches/")
	assert.False(t, ok)
	_, ok = matchPath("/workbenches/:id", "/workbenches/WB-1/close")
	assert.False(t, ok)
	_, ok = matchPath("/units/:id", "/passports/P1")
	assert.False(t, ok)
}

func TestExactRouteWinsOverPattern(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/anchoring/failed", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, resp.Body)

	resp = h.do(t, http.MethodGet, "/anchoring/abc", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/units/U1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.ErrNotFound, http.StatusNotFound},
		{errs.New(errs.ErrUnknownUnit, "U9"), http.StatusNotFound},
		{errs.ErrUnitFinalized, http.StatusUnprocessableEntity},
		{errs.ErrUnitBusy, http.StatusUnprocessableEntity},
		{errs.ErrWorkbenchBusy, http.StatusConflict},
		{errs.ErrLedgerUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errs.ErrAnchoringFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestUnitEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/units", `{"unit_id":"C1","unit_type":"motor"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, resp.Body)

	resp = h.do(t, http.MethodPost, "/units", `{"unit_type":"motor"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/units", `{"unit_id":"K1","unit_type":"kit","components":["C1"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, resp.Body)
	var unit unitView
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &unit))
	assert.Equal(t, []string{"C1"}, unit.Components)

	resp = h.do(t, http.MethodGet, "/units/C1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &unit))
	assert.Equal(t, "K1", unit.FeaturedIn)

	resp = h.do(t, http.MethodGet, "/units/NOPE", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.Equal(t, string(errs.CodeUnknownUnit), body.Code)
}

func TestSessionOverHTTP(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/units", fmt.Sprintf(`{"unit_id":%q,"unit_type":"drive"}`, unitBarcode))
	require.Equal(t, http.StatusCreated, resp.StatusCode, resp.Body)

	// the configured kind of the device wins over the body
	resp = h.do(t, http.MethodPost, "/devices/rfid-1/events", `{"kind":"barcode","workbench_id":"WB-1","payload":"CARD-A"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, resp.Body)
	require.Eventually(t, func() bool { return h.state(t) == models.SessionIdentifying }, 2*time.Second, 10*time.Millisecond)

	resp = h.do(t, http.MethodPost, "/devices/rfid-1/events", `{"workbench_id":"WB-1","payload":"CARD-A"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, resp.Body, "debounced")

	resp = h.do(t, http.MethodPost, "/devices/scan-1/events", fmt.Sprintf(`{"workbench_id":"WB-1","payload":%q}`, unitBarcode))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, resp.Body)
	require.Eventually(t, func() bool { return h.state(t) == models.SessionOpen }, 2*time.Second, 10*time.Millisecond)

	resp = h.do(t, http.MethodPost, "/workbenches/WB-1/operations", `{"operation_type":"assembly"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, resp.Body)
	var ref passport.OperationRef
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &ref))
	assert.Equal(t, 1, ref.Seq)

	resp = h.do(t, http.MethodPost, "/workbenches/WB-1/close", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	complete := fmt.Sprintf(`{"session_id":%q,"operation_id":%q,"payload":{"torque":12}}`, ref.SessionID, ref.OperationID)
	resp = h.do(t, http.MethodPost, "/workbenches/WB-1/operations/1/complete", complete)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)

	resp = h.do(t, http.MethodPost, "/workbenches/WB-1/close", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, resp.Body)
	var closed passportView
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &closed))
	assert.Equal(t, unitBarcode, closed.UnitID)
	assert.Len(t, closed.ChainHash, 64)
	assert.Equal(t, models.SessionIdle, h.state(t))

	resp = h.do(t, http.MethodGet, "/passports/"+closed.PassportID+"/verify", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verify verifyView
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &verify))
	assert.True(t, verify.Valid)

	resp = h.do(t, http.MethodGet, "/passports/"+closed.PassportID+"/document", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, passport.ContentHash([]byte(resp.Body)), resp.Headers["X-Content-Hash"])
	assert.Contains(t, resp.Body, closed.ChainHash)

	resp = h.do(t, http.MethodGet, "/anchoring/"+closed.ChainHash, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Body, models.AnchoringPending)
}

func TestUnrecognizedBarcodeAbandonsIdentifyingSession(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/devices/rfid-1/events", `{"workbench_id":"WB-1","payload":"CARD-A"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, resp.Body)
	require.Eventually(t, func() bool { return h.state(t) == models.SessionIdentifying }, 2*time.Second, 10*time.Millisecond)

	resp = h.do(t, http.MethodPost, "/devices/scan-1/events", `{"workbench_id":"WB-1","payload":"12345"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, models.SessionIdle, h.state(t))
}

func TestUnknownCardIsRejected(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/devices/rfid-1/events", `{"workbench_id":"WB-1","payload":"CARD-X"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/devices/rfid-1/events", `{"workbench_id":"WB-9","payload":"CARD-A"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequeueEndpoint(t *testing.T) {
	h := newHarness(t)
	h.anchoring.records["h1"] = &models.AnchoringRecord{PassportHash: "h1", Status: models.AnchoringFailed, LastError: "rejected"}

	resp := h.do(t, http.MethodGet, "/anchoring/failed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var failed []anchoringView
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, "rejected", failed[0].LastError)

	resp = h.do(t, http.MethodPost, "/anchoring/h1/requeue", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/anchoring/h1/requeue", `{"requested_by":"ops"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	assert.Contains(t, resp.Body, `"requeued":1`)

	resp = h.do(t, http.MethodPost, "/anchoring/h1/requeue", `{"requested_by":"ops"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
