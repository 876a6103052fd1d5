package models

import "time"

// Unit represents a physical item under assembly
type Unit struct {
	ID           string    `gorm:"column:unit_id;primaryKey;type:varchar(50)"`
	UnitType     string    `gorm:"column:unit_type;type:varchar(100);not null"`
	SerialNumber *string   `gorm:"column:serial_number;type:varchar(100)"`
	FeaturedIn   *string   `gorm:"column:featured_in;type:varchar(50);index"` // composite unit this one was built into
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`

	// Relationships
	Components []UnitComponent `gorm:"foreignKey:UnitID"`
	Passport   *Passport       `gorm:"foreignKey:UnitID"`
}

// UnitComponent links a composite unit to one of its component units
type UnitComponent struct {
	UnitID      string `gorm:"column:unit_id;primaryKey;type:varchar(50)"`
	Position    int    `gorm:"column:position;primaryKey"`
	ComponentID string `gorm:"column:component_id;type:varchar(50);uniqueIndex;not null"`
}

// ComponentIDs returns the component unit ids in their declared order
func (u *Unit) ComponentIDs() []string {
	ids := make([]string, len(u.Components))
	for _, c := range u.Components {
		if c.Position >= 0 && c.Position < len(ids) {
			ids[c.Position] = c.ComponentID
		}
	}
	return ids
}
