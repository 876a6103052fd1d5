// Package notify holds the workbench's downstream adapters: the label printer, the
// camera recorder and the alert sink. Calls into these adapters never block the
// session state machine or anchoring.
package notify

import (
	"context"
	"time"
)

// Element is a label element the printer can render
type Element string

const (
	ElementBarcode     Element = "barcode"
	ElementQR          Element = "qr"
	ElementSecurityTag Element = "security_tag"
	ElementTimestamp   Element = "timestamp"
)

// PrintJob is one label request, produced once per finalized passport
type PrintJob struct {
	PassportID  string    `json:"passport_id"`
	UnitID      string    `json:"unit_id"`
	UnitType    string    `json:"unit_type"`
	ChainHash   string    `json:"chain_hash"`
	Elements    []Element `json:"elements"`
	Link        string    `json:"link,omitempty"`
	Annotation  string    `json:"annotation"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Printer renders label jobs
type Printer interface {
	Print(ctx context.Context, job PrintJob) error
}

// Recorder starts and stops the workbench camera for a session
type Recorder interface {
	Start(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
}

// Alert is an operator-visible condition
type Alert struct {
	Kind    string            `json:"kind"`
	Subject string            `json:"subject"`
	Message string            `json:"message"`
	Labels  map[string]string `json:"labels,omitempty"`
	At      time.Time         `json:"at"`
}

// Alert kinds
const (
	AlertAnchoringFailed  = "anchoring_failed"
	AlertOperationOverdue = "operation_overdue"
	AlertPassportUnqueued = "passport_unqueued"
)

// Alerter delivers alerts to whoever watches the line
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// Nop implements every adapter and does nothing
type Nop struct{}

func (Nop) Print(context.Context, PrintJob) error { return nil }
func (Nop) Start(context.Context, string) error   { return nil }
func (Nop) Stop(context.Context, string) error    { return nil }
func (Nop) Alert(context.Context, Alert) error    { return nil }
