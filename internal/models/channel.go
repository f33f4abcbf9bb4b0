// Package models defines the GORM tables backing the local transport.
package models

import "time"

// Channel is a named conversation space. Names are not unique at the
// storage level; callers resolve a name to the first matching row.
type Channel struct {
	ID        string `gorm:"primaryKey;size:26"` // ULID
	Name      string `gorm:"size:100;not null;index"`
	CreatedAt time.Time
}
