// Package repository defines the persistence contracts the realtime core
// consumes. The room layer treats these as black-box collaborators; failures
// on the write paths are best-effort and never block live delivery.
package repository

import (
	"context"
	"errors"

	"github.com/duolink/duolink/internal/model"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("repository: not found")

// PushSubscription is a Web Push subscription registered by a user's browser.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// User is the directory view of an account, reduced to what the room layer
// needs.
type User struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Email            string            `json:"email"`
	Avatar           string            `json:"avatar"`
	PairedWithUserID string            `json:"pairedWithUserId"`
	IsPremium        bool              `json:"isPremium"`
	PushSubscription *PushSubscription `json:"pushSubscription,omitempty"`
}

// UserDirectory resolves identities and pairings.
type UserDirectory interface {
	// FindUserByID returns ErrNotFound for unknown ids.
	FindUserByID(ctx context.Context, id string) (*User, error)

	// FindPairedPartner returns (nil, nil) when the user is unpaired.
	FindPairedPartner(ctx context.Context, userID string) (*User, error)
}

// MessageRepository is the system of record for chat messages. The in-memory
// room cache and this store are eventually consistent.
type MessageRepository interface {
	SaveMessage(ctx context.Context, roomID string, msg model.ChatMessage) error
	RecentMessages(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error)
}

// JournalRepository stores shared journal entries. Unlike messages, a journal
// entry has no value without durability, so SaveEntry failures surface to the
// acting client.
type JournalRepository interface {
	SaveEntry(ctx context.Context, roomID, authorID, content string) (model.JournalEntry, error)
	ListEntries(ctx context.Context, roomID string) ([]model.JournalEntry, error)
}
