package models

import (
	"time"

	"gorm.io/gorm"
)

// Notification is one normalized provider event in an owner's feed.
// (OwnerID, SourceID) is unique; a repeated insert is a no-op. Deleted rows are
// kept as tombstones so the same source event is never ingested again.
type Notification struct {
	ID               string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID          string         `json:"owner_id" gorm:"not null;uniqueIndex:idx_notifications_owner_source,priority:1;index:idx_notifications_owner_created,priority:1"`
	IntegrationID    string         `json:"integration_id" gorm:"type:varchar(36);index"`
	Title            string         `json:"title" gorm:"not null"`
	Body             string         `json:"body" gorm:"type:text"`
	Source           ProviderType   `json:"source" gorm:"not null;index"`
	SourceID         string         `json:"source_id" gorm:"not null;uniqueIndex:idx_notifications_owner_source,priority:2"`
	Read             bool           `json:"read" gorm:"not null;default:false"`
	ReadAt           *time.Time     `json:"read_at,omitempty"`
	ProviderMetadata map[string]any `json:"provider_metadata" gorm:"type:jsonb;serializer:json"`
	CreatedAt        time.Time      `json:"created_at" gorm:"index:idx_notifications_owner_created,priority:2"`
	DeletedAt        gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName specifies the table name for Notification
func (Notification) TableName() string {
	return "notifications"
}

// NotificationFilter narrows a notification listing
type NotificationFilter struct {
	UnreadOnly bool
	Source     ProviderType
	Limit      int
}
