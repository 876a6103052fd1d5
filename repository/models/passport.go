package models

import (
	"time"

	"gorm.io/datatypes"
)

// Passport represents the finalized, hash-chained production record of a unit
type Passport struct {
	ID          string         `gorm:"column:passport_id;primaryKey;type:varchar(50)"`
	UnitID      string         `gorm:"column:unit_id;type:varchar(50);uniqueIndex;not null"`
	UnitType    string         `gorm:"column:unit_type;type:varchar(100)"`
	SessionID   string         `gorm:"column:session_id;type:varchar(50);uniqueIndex;not null"`
	WorkbenchID string         `gorm:"column:workbench_id;type:varchar(50);index"`
	ChainHash   string         `gorm:"column:chain_hash;type:varchar(64);uniqueIndex;not null"`
	Operations  datatypes.JSON `gorm:"column:operations;not null"` // immutable snapshot of the closed session
	Components  datatypes.JSON `gorm:"column:components"`          // component unit id -> component chain hash
	FinalizedAt time.Time      `gorm:"column:finalized_at;not null"`

	// Relationships
	Anchoring *AnchoringRecord `gorm:"foreignKey:PassportHash;references:ChainHash"`
}
