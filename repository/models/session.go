package models

import "time"

// Session states
const (
	SessionIdle        = "idle"
	SessionIdentifying = "identifying"
	SessionOpen        = "open"
	SessionFinalizing  = "finalizing"
	SessionClosed      = "closed"
	SessionAbandoned   = "abandoned"
)

// Session represents the live assembly context of one unit on one workbench
type Session struct {
	ID          string     `gorm:"column:session_id;primaryKey;type:varchar(50)"`
	WorkbenchID string     `gorm:"column:workbench_id;type:varchar(50);index;not null"`
	State       string     `gorm:"column:state;type:varchar(20);index;not null"`
	OperatorID  string     `gorm:"column:operator_id;type:varchar(50);index"`
	// a unit is bound to at most one open or finalizing session
	UnitID      *string    `gorm:"column:unit_id;type:varchar(50);index;uniqueIndex:idx_sessions_active_unit,where:state = 'open' OR state = 'finalizing'"`
	OpenedAt    time.Time  `gorm:"column:opened_at;not null"`
	ClosedAt    *time.Time `gorm:"column:closed_at"`
	AbortReason string     `gorm:"column:abort_reason;type:text"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`

	// Relationships
	Operations []OperationRecord `gorm:"foreignKey:SessionID"`
}

// Active reports whether the session still holds its workbench
func (s *Session) Active() bool {
	switch s.State {
	case SessionIdentifying, SessionOpen, SessionFinalizing:
		return true
	}
	return false
}
