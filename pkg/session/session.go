// Package session owns session identity and status truth. The event
// log's foreign-key relationship hangs off the rows this package
// maintains; events can only be appended to sessions that exist here.
package session

import (
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind identifies what kind of producer owns a session.
type Kind string

const (
	// KindShell is an interactive shell session behind a PTY bridge.
	KindShell Kind = "shell"
	// KindAI is an AI-assisted coding session behind an AI adapter.
	KindAI Kind = "ai"
)

// Status is the session lifecycle state. Transitions are caller-driven;
// the store records the latest value and timestamp only.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidKind is returned for an unknown session kind.
	ErrInvalidKind = errors.New("invalid session kind")
	// ErrInvalidStatus is returned for an unknown session status.
	ErrInvalidStatus = errors.New("invalid session status")
)

// Session represents one hosted work session.
type Session struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	Status    Status                 `json:"status"`
	OwnerID   string                 `json:"owner_id,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Terminal reports whether the session has reached a terminal status.
func (s *Session) Terminal() bool {
	return s.Status == StatusStopped || s.Status == StatusError
}

// ValidKind reports whether k is a known session kind.
func ValidKind(k Kind) bool {
	return k == KindShell || k == KindAI
}

// ValidStatus reports whether st is a known session status.
func ValidStatus(st Status) bool {
	switch st {
	case StatusStarting, StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// NewID mints a session id embedding the kind tag, e.g. "shell_V1StGXR8_Z5".
func NewID(kind Kind) (string, error) {
	if !ValidKind(kind) {
		return "", fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	suffix, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return string(kind) + "_" + suffix, nil
}
