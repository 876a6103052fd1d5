package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"github.com/ahmadzakiakmal/passport-workbench/srvreg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnchoring struct{}

func (fakeAnchoring) Status(context.Context, string) (*models.AnchoringRecord, error) {
	return nil, errors.New("not used")
}

func (fakeAnchoring) Failed(context.Context) ([]models.AnchoringRecord, error) { return nil, nil }

func (fakeAnchoring) Requeue(context.Context, string, string) (*models.AnchoringRecord, error) {
	return nil, errors.New("not used")
}

func (fakeAnchoring) Counts(context.Context) (map[string]int64, error) {
	return map[string]int64{models.AnchoringPending: 2, models.AnchoringLedgerCommitted: 5}, nil
}

func newTestServer(t *testing.T) *WebServer {
	t.Helper()
	sr := srvreg.NewServiceRegistry(nil, nil, nil, nil, fakeAnchoring{}, nil)
	sr.RegisterHandler(http.MethodPost, "/echo/:name", false, func(_ context.Context, req *srvreg.Request) (*srvreg.Response, error) {
		return &srvreg.Response{
			StatusCode: http.StatusCreated,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"name":"` + req.Params["name"] + `","body":` + req.Body + `}`,
		}, nil
	})

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_requests_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	return NewWebServer("127.0.0.1:0", sr, fakeAnchoring{}, reg, nil)
}

func TestRoutesThroughServiceRegistry(t *testing.T) {
	ws := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo/wb", strings.NewReader("{ \"a\" : 1 }"))
	ws.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"name":"wb","body":{"a":1}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugAndMetrics(t *testing.T) {
	ws := newTestServer(t)

	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Uptime    string           `json:"uptime"`
		Anchoring map[string]int64 `json:"anchoring"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.NotEmpty(t, info.Uptime)
	assert.Equal(t, int64(2), info.Anchoring[models.AnchoringPending])

	rec = httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_requests_total 1")
}

func TestOversizedBodyIsRejected(t *testing.T) {
	ws := newTestServer(t)

	rec := httptest.NewRecorder()
	body := strings.NewReader(strings.Repeat("x", 2<<20))
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo/wb", body))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	ws := newTestServer(t)
	require.NoError(t, ws.Start())

	resp, err := http.Get("http://" + ws.Addr() + "/debug")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Shutdown(ctx))
}
