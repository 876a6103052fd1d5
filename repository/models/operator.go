package models

import "time"

// Operator represents employees who identify at a workbench with an RFID card
type Operator struct {
	ID         string    `gorm:"column:operator_id;primaryKey;type:varchar(50)"`
	Name       string    `gorm:"column:name;type:varchar(100);not null"`
	Position   string    `gorm:"column:position;type:varchar(100)"`
	RFIDCardID string    `gorm:"column:rfid_card_id;type:varchar(64);uniqueIndex;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`

	// Relationships
	Sessions []Session `gorm:"foreignKey:OperatorID"`
}
