package model

import (
	"time"

	"github.com/google/uuid"
)

// LinkIDPrefix prefixes every link request ID handed to desktop clients
const LinkIDPrefix = "link_"

// Platform is the operating system a desktop client runs on
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
)

// Valid reports whether p is one of the supported platforms
func (p Platform) Valid() bool {
	switch p {
	case PlatformWindows, PlatformMacOS, PlatformLinux:
		return true
	}
	return false
}

// LinkStatus is the state of a link request
type LinkStatus string

const (
	LinkStatusPending  LinkStatus = "pending"
	LinkStatusApproved LinkStatus = "approved"
	LinkStatusExpired  LinkStatus = "expired"
)

// User represents an account as seen by the link service
type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// Device is a desktop client paired with a user account.
// TokenHash is the hex SHA-256 of the device token; the plaintext is never stored here.
type Device struct {
	ID          uuid.UUID
	UserID      string
	Name        string
	Platform    Platform
	AppVersion  *string
	Fingerprint *string
	TokenHash   string
	LinkedAt    time.Time
	LastSeenAt  *time.Time
}

// LinkRequest is one attempt to pair a desktop client with a web account
type LinkRequest struct {
	ID             string
	Code           string
	DeviceName     string
	Platform       Platform
	AppVersion     *string
	Fingerprint    *string
	Status         LinkStatus
	CreatedAt      time.Time
	ExpiresAt      time.Time
	UserID         *string
	DeviceID       *uuid.UUID
	PendingToken   *string
	ApprovedAt     *time.Time
	TokenClaimedAt *time.Time
}

// Expired reports whether the request window has closed at now.
// Approved requests keep their status; callers decide what expiry means for them.
func (l LinkRequest) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
