// Package ledger is the datalog side of anchoring: the anchor transaction format
// shared with the ABCI application and a client that posts anchors over CometBFT RPC.
package ledger

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Result codes used by the datalog application
const (
	CodeOK        uint32 = 0
	CodeInvalid   uint32 = 1
	CodeDuplicate uint32 = 2
	CodeInternal  uint32 = 3
	CodeNotFound  uint32 = 4
)

// QueryPath is the ABCI query path for anchors; the query data is the passport hash
const QueryPath = "/anchor"

// Anchor is the record posted to the datalog for one passport
type Anchor struct {
	PassportHash string    `json:"passport_hash"`
	PassportID   string    `json:"passport_id"`
	UnitID       string    `json:"unit_id"`
	ContentHash  string    `json:"content_hash"`
	Locator      string    `json:"locator"`
	Timestamp    time.Time `json:"timestamp"`
}

// Receipt is an anchor as committed to a block
type Receipt struct {
	Anchor
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Validate checks the anchor is complete
func (a *Anchor) Validate() error {
	var problems []error
	if !isSHA256Hex(a.PassportHash) {
		problems = append(problems, fmt.Errorf("passport_hash %q is not a sha256 hex digest", a.PassportHash))
	}
	if !isSHA256Hex(a.ContentHash) {
		problems = append(problems, fmt.Errorf("content_hash %q is not a sha256 hex digest", a.ContentHash))
	}
	if a.UnitID == "" {
		problems = append(problems, errors.New("unit_id is required"))
	}
	if a.Locator == "" {
		problems = append(problems, errors.New("locator is required"))
	}
	if a.Timestamp.IsZero() {
		problems = append(problems, errors.New("timestamp is required"))
	}
	return errors.Join(problems...)
}

// Encode serializes the anchor as a transaction
func (a *Anchor) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAnchor parses and validates an anchor transaction
func DecodeAnchor(tx []byte) (*Anchor, error) {
	var a Anchor
	if err := json.Unmarshal(tx, &a); err != nil {
		return nil, fmt.Errorf("malformed anchor transaction: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
