package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/client"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// LabelConfig selects the label elements printed for every passport
type LabelConfig struct {
	Barcode            bool
	QR                 bool
	QROnlyForComposite bool
	SecurityTag        bool
	Timestamp          bool
	// LinkBase prefixes the passport id in the QR link
	LinkBase string
}

// Job builds the print job for a finalized passport. Units that are components of
// another unit only get a QR code when QROnlyForComposite is off.
func (c LabelConfig) Job(p *models.Passport, unit *models.Unit) PrintJob {
	job := PrintJob{
		PassportID:  p.ID,
		UnitID:      p.UnitID,
		UnitType:    p.UnitType,
		ChainHash:   p.ChainHash,
		Annotation:  fmt.Sprintf("%s (ID: %s)", p.UnitType, p.UnitID),
		FinalizedAt: p.FinalizedAt,
	}
	composite := unit != nil && len(unit.Components) > 0
	component := unit != nil && unit.FeaturedIn != nil

	if c.Barcode {
		job.Elements = append(job.Elements, ElementBarcode)
	}
	if c.QR && (!c.QROnlyForComposite || composite || !component) {
		job.Elements = append(job.Elements, ElementQR)
		job.Link = strings.TrimSuffix(c.LinkBase, "/") + "/passports/" + p.ID
		job.Annotation += ". " + job.Link
	}
	if c.SecurityTag {
		job.Elements = append(job.Elements, ElementSecurityTag)
	}
	if c.Timestamp {
		job.Elements = append(job.Elements, ElementTimestamp)
	}
	return job
}

// HTTPPrinter sends print jobs to a print server
type HTTPPrinter struct {
	client *client.HTTPClient
	logger cmtlog.Logger
}

func NewHTTPPrinter(serverURL string, timeout time.Duration, logger cmtlog.Logger) *HTTPPrinter {
	return &HTTPPrinter{
		client: client.NewHTTPClient(serverURL, timeout),
		logger: logger.With("module", "printer"),
	}
}

func (p *HTTPPrinter) Print(ctx context.Context, job PrintJob) error {
	resp, err := p.client.POST(ctx, "/print", job)
	if err != nil {
		return fmt.Errorf("print server unreachable: %w", err)
	}
	if err := client.Expect(resp, "print"); err != nil {
		return err
	}
	p.logger.Info("Label printed", "passport", job.PassportID, "elements", len(job.Elements))
	return nil
}

// HTTPRecorder drives one camera of a recording server
type HTTPRecorder struct {
	client *client.HTTPClient
	camera int
	logger cmtlog.Logger

	mu      sync.Mutex
	records map[string]string // session id -> record id
}

func NewHTTPRecorder(serverURL string, camera int, timeout time.Duration, logger cmtlog.Logger) *HTTPRecorder {
	return &HTTPRecorder{
		client:  client.NewHTTPClient(serverURL, timeout),
		camera:  camera,
		logger:  logger.With("module", "recorder"),
		records: make(map[string]string),
	}
}

func (r *HTTPRecorder) Start(ctx context.Context, sessionID string) error {
	resp, err := r.client.POST(ctx, fmt.Sprintf("/camera/%d/start", r.camera), map[string]string{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("recording server unreachable: %w", err)
	}
	if err := client.Expect(resp, "start recording"); err != nil {
		return err
	}
	var body struct {
		RecordID string `json:"record_id"`
	}
	if err := client.UnmarshalBody(resp, &body); err != nil {
		return err
	}

	r.mu.Lock()
	r.records[sessionID] = body.RecordID
	r.mu.Unlock()
	r.logger.Info("Recording started", "session", sessionID, "record", body.RecordID)
	return nil
}

func (r *HTTPRecorder) Stop(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	recordID, ok := r.records[sessionID]
	delete(r.records, sessionID)
	r.mu.Unlock()
	if !ok {
		r.logger.Error("No ongoing record to stop", "session", sessionID)
		return nil
	}

	resp, err := r.client.POST(ctx, fmt.Sprintf("/record/%s/stop", recordID), nil)
	if err != nil {
		return fmt.Errorf("recording server unreachable: %w", err)
	}
	if err := client.Expect(resp, "stop recording"); err != nil {
		return err
	}
	r.logger.Info("Recording stopped", "session", sessionID, "record", recordID)
	return nil
}

// HTTPAlerter posts alerts to a webhook
type HTTPAlerter struct {
	client *client.HTTPClient
}

func NewHTTPAlerter(webhookURL string, timeout time.Duration) *HTTPAlerter {
	return &HTTPAlerter{client: client.NewHTTPClient(webhookURL, timeout)}
}

func (a *HTTPAlerter) Alert(ctx context.Context, alert Alert) error {
	resp, err := a.client.POST(ctx, "", alert)
	if err != nil {
		return fmt.Errorf("alert webhook unreachable: %w", err)
	}
	return client.Expect(resp, "alert")
}

// LogAlerter writes alerts to the log only
type LogAlerter struct {
	Logger cmtlog.Logger
}

func (a LogAlerter) Alert(_ context.Context, alert Alert) error {
	a.Logger.Error("ALERT", "kind", alert.Kind, "subject", alert.Subject, "message", alert.Message)
	return nil
}
