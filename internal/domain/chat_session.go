package domain

import (
	"time"
)

// ChatSession holds the persisted state of one browser chat session so a
// page reload can resume the conversation. Turns and identities are stored
// as JSON snapshots, mirroring how the rest of the system treats them as a
// unit.
type ChatSession struct {
	UserID       string
	SessionID    string
	TurnsJSON    string
	IdentityJSON string
	Draft        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
