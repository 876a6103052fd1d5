package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelJobElements(t *testing.T) {
	p := &models.Passport{ID: "PSP-1", UnitID: "U1", UnitType: "drive", FinalizedAt: time.Unix(0, 0)}
	parent := "U9"

	cfg := LabelConfig{Barcode: true, QR: true, QROnlyForComposite: true, SecurityTag: true, LinkBase: "https://trace.example/"}

	t.Run("standalone unit gets qr", func(t *testing.T) {
		job := cfg.Job(p, &models.Unit{ID: "U1"})
		assert.Equal(t, []Element{ElementBarcode, ElementQR, ElementSecurityTag}, job.Elements)
		assert.Equal(t, "https://trace.example/passports/PSP-1", job.Link)
	})

	t.Run("component unit skips qr", func(t *testing.T) {
		job := cfg.Job(p, &models.Unit{ID: "U1", FeaturedIn: &parent})
		assert.Equal(t, []Element{ElementBarcode, ElementSecurityTag}, job.Elements)
		assert.Empty(t, job.Link)
	})

	t.Run("composite unit gets qr", func(t *testing.T) {
		unit := &models.Unit{ID: "U1", FeaturedIn: &parent, Components: []models.UnitComponent{{ComponentID: "C1"}}}
		job := cfg.Job(p, unit)
		assert.Contains(t, job.Elements, ElementQR)
	})
}

func TestHTTPAdapters(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		jobs  []PrintJob
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/print":
			var job PrintJob
			_ = json.NewDecoder(r.Body).Decode(&job)
			jobs = append(jobs, job)
		case "/camera/2/start":
			_, _ = w.Write([]byte(`{"record_id":"rec-7"}`))
		case "/record/rec-7/stop":
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	logger := cmtlog.NewNopLogger()

	printer := NewHTTPPrinter(srv.URL, time.Second, logger)
	require.NoError(t, printer.Print(ctx, PrintJob{PassportID: "PSP-1"}))

	recorder := NewHTTPRecorder(srv.URL, 2, time.Second, logger)
	require.NoError(t, recorder.Start(ctx, "S1"))
	require.NoError(t, recorder.Stop(ctx, "S1"))
	// stopping twice is harmless
	require.NoError(t, recorder.Stop(ctx, "S1"))

	alerter := NewHTTPAlerter(srv.URL+"/nowhere", time.Second)
	assert.Error(t, alerter.Alert(ctx, Alert{Kind: AlertAnchoringFailed}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/print", "/camera/2/start", "/record/rec-7/stop", "/nowhere"}, paths)
	require.Len(t, jobs, 1)
	assert.Equal(t, "PSP-1", jobs[0].PassportID)
}
