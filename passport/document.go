package passport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"gopkg.in/yaml.v3"
)

// Document is the human readable passport uploaded to content storage
type Document struct {
	PassportID       string              `yaml:"passport_id"`
	UnitID           string              `yaml:"unit_id"`
	UnitType         string              `yaml:"unit_type"`
	SerialNumber     string              `yaml:"serial_number,omitempty"`
	WorkbenchID      string              `yaml:"workbench_id"`
	Operations       []DocumentOperation `yaml:"operations"`
	AssemblyDuration string              `yaml:"assembly_duration"`
	Components       map[string]string   `yaml:"components,omitempty"`
	ChainHash        string              `yaml:"chain_hash"`
	FinalizedAt      string              `yaml:"finalized_at"`
}

// DocumentOperation is one operation as rendered in a passport document
type DocumentOperation struct {
	Seq              int    `yaml:"seq"`
	OperationType    string `yaml:"operation_type"`
	OperatorID       string `yaml:"operator_id"`
	StartedAt        string `yaml:"started_at"`
	EndedAt          string `yaml:"ended_at"`
	EndedPrematurely bool   `yaml:"ended_prematurely,omitempty"`
	Payload          string `yaml:"payload"`
	PayloadHash      string `yaml:"payload_hash"`
}

// NewDocument builds the document of a finalized passport
func NewDocument(p *models.Passport, unit *models.Unit) (*Document, error) {
	ops, err := Operations(p)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		PassportID:  p.ID,
		UnitID:      p.UnitID,
		UnitType:    p.UnitType,
		WorkbenchID: p.WorkbenchID,
		ChainHash:   p.ChainHash,
		FinalizedAt: p.FinalizedAt.UTC().Format(time.RFC3339Nano),
	}
	if unit != nil && unit.SerialNumber != nil {
		doc.SerialNumber = *unit.SerialNumber
	}
	if len(p.Components) > 0 {
		if err := json.Unmarshal(p.Components, &doc.Components); err != nil {
			return nil, fmt.Errorf("failed to decode passport components: %w", err)
		}
	}

	var total time.Duration
	for _, op := range ops {
		canonical, _, err := PayloadHash(op.Payload)
		if err != nil {
			return nil, err
		}
		rendered := DocumentOperation{
			Seq:              op.Seq,
			OperationType:    op.OperationType,
			OperatorID:       op.OperatorID,
			StartedAt:        op.StartedAt.UTC().Format(time.RFC3339Nano),
			EndedPrematurely: op.EndedPrematurely,
			Payload:          string(canonical),
			PayloadHash:      op.PayloadHash,
		}
		if op.EndedAt != nil {
			rendered.EndedAt = op.EndedAt.UTC().Format(time.RFC3339Nano)
			total += op.EndedAt.Sub(op.StartedAt)
		}
		doc.Operations = append(doc.Operations, rendered)
	}
	doc.AssemblyDuration = total.String()
	return doc, nil
}

// Render encodes the document as YAML. The output is deterministic for a given
// passport, so its ContentHash can be used to look it up in content storage.
func (d *Document) Render() ([]byte, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to render passport document: %w", err)
	}
	return out, nil
}

// Render builds and encodes the document of p in one step
func Render(p *models.Passport, unit *models.Unit) ([]byte, error) {
	doc, err := NewDocument(p, unit)
	if err != nil {
		return nil, err
	}
	return doc.Render()
}
