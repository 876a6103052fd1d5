package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jonboulle/clockwork"
)

// Kind is the type of identification device
type Kind string

const (
	KindRFID    Kind = "rfid"
	KindBarcode Kind = "barcode"
)

// RawEvent is a read as delivered by an identification source
type RawEvent struct {
	DeviceID    string    `json:"device_id"`
	Kind        Kind      `json:"kind"`
	WorkbenchID string    `json:"workbench_id"`
	Payload     string    `json:"payload"`
	ReceivedAt  time.Time `json:"received_at"`
}

// IdentificationEvent is a normalized read. RFID reads resolve an operator, barcode
// reads resolve a unit.
type IdentificationEvent struct {
	WorkbenchID string    `json:"workbench_id"`
	Kind        Kind      `json:"kind"`
	OperatorID  string    `json:"operator_id,omitempty"`
	UnitID      string    `json:"unit_id,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Registry resolves raw payloads to operators and units
type Registry interface {
	OperatorByCard(ctx context.Context, cardID string) (*models.Operator, error)
	GetUnit(ctx context.Context, unitID string) (*models.Unit, error)
}

type readKey struct {
	device  string
	payload string
}

// Normalizer turns raw reads into identification events, dropping repeated reads of
// the same tag on the same device within the debounce window
type Normalizer struct {
	registry Registry
	window   time.Duration
	clock    clockwork.Clock
	logger   cmtlog.Logger

	mu       sync.Mutex
	lastSeen map[readKey]time.Time
}

// NormalizerOption configures a Normalizer
type NormalizerOption func(*Normalizer)

// WithClock sets the clock used for the debounce window
func WithClock(c clockwork.Clock) NormalizerOption {
	return func(n *Normalizer) { n.clock = c }
}

// WithLogger sets the logger
func WithLogger(l cmtlog.Logger) NormalizerOption {
	return func(n *Normalizer) { n.logger = l }
}

// NewNormalizer creates a Normalizer
func NewNormalizer(registry Registry, window time.Duration, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		registry: registry,
		window:   window,
		clock:    clockwork.NewRealClock(),
		logger:   cmtlog.NewNopLogger(),
		lastSeen: make(map[readKey]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("module", "device")
	return n
}

// Normalize resolves a raw read. It returns ok=false for a debounced duplicate and
// an UnrecognizedTag error when the payload maps to no known operator or unit.
func (n *Normalizer) Normalize(ctx context.Context, raw RawEvent) (ev *IdentificationEvent, ok bool, err error) {
	payload := strings.TrimSpace(raw.Payload)
	if payload == "" {
		return nil, false, errs.New(errs.ErrUnrecognizedTag, "empty read from %s", raw.DeviceID)
	}

	observed := raw.ReceivedAt
	if observed.IsZero() {
		observed = n.clock.Now()
	}
	observed = observed.UTC()

	if n.debounced(readKey{device: raw.DeviceID, payload: payload}, observed) {
		n.logger.Debug("Dropped repeated read", "device", raw.DeviceID, "kind", raw.Kind)
		return nil, false, nil
	}

	ev = &IdentificationEvent{WorkbenchID: raw.WorkbenchID, Kind: raw.Kind, ObservedAt: observed}
	switch raw.Kind {
	case KindRFID:
		op, err := n.registry.OperatorByCard(ctx, payload)
		if err != nil {
			return nil, false, err
		}
		ev.OperatorID = op.ID
	case KindBarcode:
		if !ValidEAN13(payload) {
			return nil, false, errs.New(errs.ErrUnrecognizedTag, "barcode %q is not a valid EAN-13", payload)
		}
		unit, err := n.registry.GetUnit(ctx, payload)
		if err != nil {
			if errors.Is(err, errs.ErrUnknownUnit) {
				return nil, false, errs.New(errs.ErrUnrecognizedTag, "no unit with barcode %s", payload)
			}
			return nil, false, err
		}
		ev.UnitID = unit.ID
	default:
		return nil, false, errs.New(errs.ErrUnrecognizedTag, "unsupported device kind %q", raw.Kind)
	}
	return ev, true, nil
}

// debounced records the read and reports whether an identical read was seen within
// the window before it. A read stamped earlier than the last one is never dropped.
func (n *Normalizer) debounced(key readKey, at time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, seen := range n.lastSeen {
		if at.Sub(seen) >= n.window {
			delete(n.lastSeen, k)
		}
	}
	seen, ok := n.lastSeen[key]
	if ok {
		if delta := at.Sub(seen); delta >= 0 && delta < n.window {
			return true
		}
		if at.Before(seen) {
			return false
		}
	}
	n.lastSeen[key] = at
	return false
}

// ValidEAN13 checks the length, digits and check digit of an EAN-13 code
func ValidEAN13(code string) bool {
	if len(code) != 13 {
		return false
	}
	sum := 0
	for i := 0; i < 12; i++ {
		c := code[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	last := code[12]
	if last < '0' || last > '9' {
		return false
	}
	return (10-sum%10)%10 == int(last-'0')
}
