package models

import (
	"fmt"
	"strings"
	"time"
)

// ProviderType identifies one of the supported third-party providers
type ProviderType string

const (
	ProviderGmail       ProviderType = "gmail"
	ProviderGoogleDrive ProviderType = "google_drive"
	ProviderSlack       ProviderType = "slack"
	ProviderHubSpot     ProviderType = "hubspot"
)

// AllProviderTypes lists every provider in a stable order
var AllProviderTypes = []ProviderType{
	ProviderGmail,
	ProviderGoogleDrive,
	ProviderSlack,
	ProviderHubSpot,
}

// ParseProviderType maps an integration_type value (including common aliases) to a ProviderType
func ParseProviderType(s string) (ProviderType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gmail", "email", "google_mail":
		return ProviderGmail, true
	case "google_drive", "google-drive", "googledrive", "drive", "gdrive":
		return ProviderGoogleDrive, true
	case "slack":
		return ProviderSlack, true
	case "hubspot", "crm":
		return ProviderHubSpot, true
	default:
		return "", false
	}
}

// Group returns the OAuth provider group the type authenticates against
func (p ProviderType) Group() string {
	switch p {
	case ProviderGmail, ProviderGoogleDrive:
		return "google"
	case ProviderSlack:
		return "slack"
	case ProviderHubSpot:
		return "hubspot"
	default:
		return ""
	}
}

// Label returns a user-friendly name for the provider
func (p ProviderType) Label() string {
	switch p {
	case ProviderGmail:
		return "Gmail"
	case ProviderGoogleDrive:
		return "Google Drive"
	case ProviderSlack:
		return "Slack"
	case ProviderHubSpot:
		return "HubSpot"
	default:
		return string(p)
	}
}

// IntegrationStatus is the lifecycle state of an Integration
type IntegrationStatus string

const (
	StatusActive  IntegrationStatus = "active"
	StatusExpired IntegrationStatus = "expired"
	StatusRevoked IntegrationStatus = "revoked"
	StatusError   IntegrationStatus = "error"
)

// Integration binds one owner to one provider through a stored OAuth credential set.
// Credentials are stored as ciphertext produced by a secrets.Cipher.
type Integration struct {
	ID                string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID           string            `json:"owner_id" gorm:"not null;uniqueIndex:idx_integrations_owner_provider,priority:1"`
	ProviderType      ProviderType      `json:"type" gorm:"not null;uniqueIndex:idx_integrations_owner_provider,priority:2;index"`
	AccessCredential  string            `json:"-" gorm:"type:text;not null"`
	RefreshCredential *string           `json:"-" gorm:"type:text"`
	CredentialExpiry  *time.Time        `json:"credential_expiry,omitempty" gorm:"index"`
	Status            IntegrationStatus `json:"status" gorm:"not null;index"`
	ProviderMetadata  map[string]any    `json:"provider_metadata" gorm:"type:jsonb;serializer:json"`
	RefreshFailures   int               `json:"refresh_failures" gorm:"not null;default:0"`
	LastError         string            `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// TableName specifies the table name for Integration
func (Integration) TableName() string {
	return "integrations"
}

// MetadataString returns a metadata value as a string, or "" when absent
func (i *Integration) MetadataString(key string) string {
	if i.ProviderMetadata == nil {
		return ""
	}
	switch v := i.ProviderMetadata[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// HasRefreshCredential reports whether a refresh credential is stored
func (i *Integration) HasRefreshCredential() bool {
	return i.RefreshCredential != nil && *i.RefreshCredential != ""
}

// ExpiresBefore reports whether the credential expires before t.
// A nil expiry never expires.
func (i *Integration) ExpiresBefore(t time.Time) bool {
	return i.CredentialExpiry != nil && i.CredentialExpiry.Before(t)
}
