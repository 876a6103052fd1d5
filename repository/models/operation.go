package models

import (
	"time"

	"gorm.io/datatypes"
)

// OperationRecord represents one logged production step within a session
type OperationRecord struct {
	ID               string         `gorm:"column:operation_id;primaryKey;type:varchar(50)" json:"id" yaml:"id"`
	SessionID        string         `gorm:"column:session_id;type:varchar(50);uniqueIndex:idx_operation_seq;not null" json:"session_id" yaml:"session_id"`
	Seq              int            `gorm:"column:seq;uniqueIndex:idx_operation_seq;not null" json:"seq" yaml:"seq"`
	UnitID           string         `gorm:"column:unit_id;type:varchar(50);index;not null" json:"unit_id" yaml:"unit_id"`
	OperationType    string         `gorm:"column:operation_type;type:varchar(100);not null" json:"operation_type" yaml:"operation_type"`
	OperatorID       string         `gorm:"column:operator_id;type:varchar(50);not null" json:"operator_id" yaml:"operator_id"`
	WorkbenchID      string         `gorm:"column:workbench_id;type:varchar(50);not null" json:"workbench_id" yaml:"workbench_id"`
	StartedAt        time.Time      `gorm:"column:started_at;not null" json:"started_at" yaml:"started_at"`
	EndedAt          *time.Time     `gorm:"column:ended_at" json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	EndedPrematurely bool           `gorm:"column:ended_prematurely;default:false" json:"ended_prematurely,omitempty" yaml:"ended_prematurely,omitempty"`
	Payload          datatypes.JSON `gorm:"column:payload" json:"payload,omitempty" yaml:"-"`
	PayloadHash      string         `gorm:"column:payload_hash;type:varchar(64)" json:"payload_hash,omitempty" yaml:"payload_hash,omitempty"`
}

// Completed reports whether the operation has an end timestamp
func (o *OperationRecord) Completed() bool {
	return o.EndedAt != nil
}
