package passport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type memStore struct {
	ops       map[string]models.OperationRecord
	passports []*models.Passport
	finalized map[string]string
}

func newMemStore() *memStore {
	return &memStore{ops: map[string]models.OperationRecord{}, finalized: map[string]string{}}
}

func (m *memStore) AppendOperation(_ context.Context, op *models.OperationRecord) error {
	m.ops[op.ID] = *op
	return nil
}

func (m *memStore) CompleteOperation(_ context.Context, op *models.OperationRecord) error {
	m.ops[op.ID] = *op
	return nil
}

func (m *memStore) FinalizeSession(_ context.Context, p *models.Passport, _ time.Time) error {
	m.passports = append(m.passports, p)
	m.finalized[p.UnitID] = p.ChainHash
	return nil
}

func (m *memStore) FinalizedChainHashes(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if h, ok := m.finalized[id]; ok {
			out[id] = h
		}
	}
	return out, nil
}

func sha(b []byte) []byte {
	s := sha256.Sum256(b)
	return s[:]
}

func newTestBuilder() (*Builder, *memStore, *clockwork.FakeClock) {
	store := newMemStore()
	clock := clockwork.NewFakeClock()
	return NewBuilder(store, WithClock(clock)), store, clock
}

func openDraft(b *Builder, sessionID string, unit models.Unit) {
	b.Resume(&models.Session{ID: sessionID, WorkbenchID: "WB-1", State: models.SessionOpen}, &unit)
}

func TestCanonicalPayload(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "{}"},
		{"null", "null", "{}"},
		{"sorted keys", `{"b":1, "a":{"d":2,"c":3}}`, `{"a":{"c":3,"d":2},"b":1}`},
		{"numbers kept as written", `{"torque": 12.50}`, `{"torque":12.50}`},
		{"no html escaping", `{"note":"<ok> & done"}`, `{"note":"<ok> & done"}`},
		{"nfc", "{\"name\":\"e\u0301\"}", "{\"name\":\"\u00e9\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalPayload([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := CanonicalPayload([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestTorqueScenarioChainHash(t *testing.T) {
	ctx := context.Background()
	b, store, clock := newTestBuilder()
	openDraft(b, "S1", models.Unit{ID: "U1", UnitType: "drive"})

	ref, err := b.StartOperation(ctx, "S1", "OPR-A", "assembly")
	require.NoError(t, err)
	clock.Advance(90 * time.Second)
	op, err := b.CompleteOperation(ctx, *ref, []byte(`{"torque": 12}`), false)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, op.EndedAt.Sub(op.StartedAt))

	p, err := b.Finalize(ctx, "S1")
	require.NoError(t, err)

	inner := sha(append(sha([]byte("U1")), sha([]byte(`{"torque":12}`))...))
	want := hex.EncodeToString(sha(inner))
	assert.Equal(t, want, p.ChainHash)
	assert.Equal(t, "PSP-"+want[:16], p.ID)

	ops, err := Operations(p)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "assembly", ops[0].OperationType)

	ok, err := Verify(p)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, store.passports, 1)

	// session is closed for further operations
	_, err = b.StartOperation(ctx, "S1", "OPR-A", "assembly")
	assert.ErrorIs(t, err, errs.ErrSessionNotOpen)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBuilder()
	openDraft(b, "S1", models.Unit{ID: "U1"})

	for _, payload := range []string{`{"torque":12}`, `{"torque":14}`, ``} {
		ref, err := b.StartOperation(ctx, "S1", "OPR-A", "assembly")
		require.NoError(t, err)
		_, err = b.CompleteOperation(ctx, *ref, []byte(payload), false)
		require.NoError(t, err)
	}
	p, err := b.Finalize(ctx, "S1")
	require.NoError(t, err)

	ok, err := Verify(p)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := *p
	ops, err := Operations(p)
	require.NoError(t, err)
	ops[1].Payload = []byte(`{"torque":99}`)
	tampered.Operations = mustJSON(t, ops)
	ok, err = Verify(&tampered)
	require.NoError(t, err)
	assert.False(t, ok)

	reordered := *p
	ops, err = Operations(p)
	require.NoError(t, err)
	ops[0], ops[1] = ops[1], ops[0]
	reordered.Operations = mustJSON(t, ops)
	ok, err = Verify(&reordered)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOperationProtocol(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBuilder()

	_, err := b.StartOperation(ctx, "S1", "OPR-A", "assembly")
	assert.ErrorIs(t, err, errs.ErrSessionNotOpen)

	openDraft(b, "S1", models.Unit{ID: "U1"})

	_, err = b.Finalize(ctx, "S1")
	assert.ErrorIs(t, err, errs.ErrIncompleteOperation)

	ref, err := b.StartOperation(ctx, "S1", "OPR-A", "assembly")
	require.NoError(t, err)

	_, err = b.StartOperation(ctx, "S1", "OPR-A", "welding")
	assert.ErrorIs(t, err, errs.ErrConcurrentOperation)

	_, err = b.Finalize(ctx, "S1")
	assert.ErrorIs(t, err, errs.ErrIncompleteOperation)

	_, err = b.CompleteOperation(ctx, OperationRef{SessionID: "S1", OperationID: "other"}, nil, false)
	assert.ErrorIs(t, err, errs.ErrUnknownOperation)

	running, ok := b.InProgress("S1")
	require.True(t, ok)
	assert.Equal(t, ref.OperationID, running.OperationID)

	_, err = b.CompleteOperation(ctx, *ref, nil, true)
	require.NoError(t, err)

	// a premature end alone is not enough to finalize
	_, err = b.Finalize(ctx, "S1")
	assert.ErrorIs(t, err, errs.ErrIncompleteOperation)

	ref, err = b.StartOperation(ctx, "S1", "OPR-A", "assembly")
	require.NoError(t, err)
	assert.Equal(t, 2, ref.Seq)
	_, err = b.CompleteOperation(ctx, *ref, nil, false)
	require.NoError(t, err)

	p, err := b.Finalize(ctx, "S1")
	require.NoError(t, err)
	ops, err := Operations(p)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.True(t, ops[0].EndedPrematurely)
}

func TestCompositeRequiresFinalizedComponents(t *testing.T) {
	ctx := context.Background()
	b, store, _ := newTestBuilder()

	composite := models.Unit{ID: "U1", Components: []models.UnitComponent{
		{UnitID: "U1", Position: 0, ComponentID: "C1"},
		{UnitID: "U1", Position: 1, ComponentID: "C2"},
	}}
	openDraft(b, "S1", composite)
	ref, err := b.StartOperation(ctx, "S1", "OPR-A", "assembly")
	require.NoError(t, err)
	_, err = b.CompleteOperation(ctx, *ref, nil, false)
	require.NoError(t, err)

	store.finalized["C1"] = "aa"
	_, err = b.Finalize(ctx, "S1")
	assert.ErrorIs(t, err, errs.ErrUnresolvedComponent)

	store.finalized["C2"] = "bb"
	p, err := b.Finalize(ctx, "S1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"C1":"aa","C2":"bb"}`, string(p.Components))
}

func TestDocumentIsDeterministic(t *testing.T) {
	ctx := context.Background()
	b, _, clock := newTestBuilder()
	serial := "SN-0042"
	unit := models.Unit{ID: "U1", UnitType: "drive", SerialNumber: &serial}
	openDraft(b, "S1", unit)

	ref, err := b.StartOperation(ctx, "S1", "OPR-A", "assembly")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = b.CompleteOperation(ctx, *ref, []byte(`{"torque":12}`), false)
	require.NoError(t, err)
	p, err := b.Finalize(ctx, "S1")
	require.NoError(t, err)

	first, err := Render(p, &unit)
	require.NoError(t, err)
	second, err := Render(p, &unit)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, ContentHash(first), ContentHash(second))

	var doc Document
	require.NoError(t, yaml.Unmarshal(first, &doc))
	assert.Equal(t, "SN-0042", doc.SerialNumber)
	assert.Equal(t, p.ChainHash, doc.ChainHash)
	assert.Equal(t, "1m0s", doc.AssemblyDuration)
	require.Len(t, doc.Operations, 1)
	assert.Equal(t, `{"torque":12}`, doc.Operations[0].Payload)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestTimestampsKeepMicrosecondPrecision(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	start := time.Date(2025, 3, 14, 9, 0, 0, 123456789, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	b := NewBuilder(store, WithClock(clock))
	openDraft(b, "S1", models.Unit{ID: "U1", UnitType: "drive"})

	ref, err := b.StartOperation(ctx, "S1", "OPR-A", "assembly")
	require.NoError(t, err)
	clock.Advance(time.Second + 777*time.Nanosecond)
	op, err := b.CompleteOperation(ctx, *ref, []byte(`{"torque": 12}`), false)
	require.NoError(t, err)
	p, err := b.Finalize(ctx, "S1")
	require.NoError(t, err)

	assert.True(t, start.Truncate(time.Microsecond).Equal(op.StartedAt))
	require.NotNil(t, op.EndedAt)
	assert.Zero(t, op.EndedAt.Nanosecond()%1000)
	assert.Zero(t, p.FinalizedAt.Nanosecond()%1000)

	// the document is unchanged by a round trip through a microsecond column
	before, err := Render(p, &models.Unit{ID: "U1", UnitType: "drive"})
	require.NoError(t, err)
	stored := *p
	stored.FinalizedAt = p.FinalizedAt.Truncate(time.Microsecond)
	after, err := Render(&stored, &models.Unit{ID: "U1", UnitType: "drive"})
	require.NoError(t, err)
	assert.Equal(t, ContentHash(before), ContentHash(after))
}
