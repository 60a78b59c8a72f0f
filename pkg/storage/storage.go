package storage

import (
	"context"
	"errors"

	"github.com/ignatij/goresearch/pkg/models"
)

var ErrNotFound = errors.New("not found")

// SessionStore persists sessions together with their ordered task records.
type SessionStore interface {
	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, id string) (models.Session, error)
	// SaveSession writes the mutable session fields and any task records not yet stored.
	// Stored records are never rewritten or removed.
	SaveSession(ctx context.Context, s models.Session) error
	DeleteSession(ctx context.Context, id string) (bool, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
}

// AuditStore keeps the append-only step execution trail, keyed by session id.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec models.AuditRecord) (int64, error)
	UpdateAudit(ctx context.Context, rec models.AuditRecord) error
	ListAudit(ctx context.Context, sessionID string) ([]models.AuditRecord, error)
	PurgeAudit(ctx context.Context, sessionID string) error
}

// Store defines the storage operations for goresearch.
type Store interface {
	SessionStore
	AuditStore
	Close() error
}
