package models

import "time"

// Message is one post in a channel. Seq is assigned by the database on
// insert, so it follows commit order; ID is the ULID handed to callers.
type Message struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	ID        string `gorm:"size:26;not null;uniqueIndex"` // ULID
	ChannelID string `gorm:"size:26;not null;index"`
	Author    string `gorm:"size:64;not null"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
