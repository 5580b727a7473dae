// Package audit records administrative and security-relevant gateway
// actions (epoch forcing, meter verification/revocation) to both the
// append-only audit_log table and a zerolog stdout sink, so the trail
// survives independently of the primary logrus request logger and of
// database access.
package audit

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
)

// Store is the persistence dependency audit.Recorder needs; internal/store.Store
// satisfies it.
type Store interface {
	InsertAuditLog(ctx context.Context, a *domain.AuditLog) error
}

// Recorder writes audit entries to Store and to stdout via zerolog.
type Recorder struct {
	zl    zerolog.Logger
	store Store
}

// New builds a Recorder. zerolog is configured globally once per process.
func New(store Store) *Recorder {
	zerolog.TimeFieldFormat = time.RFC3339
	zl := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("component", "audit").
		Logger()
	return &Recorder{zl: zl, store: store}
}

// Record persists an audit entry and emits it to stdout. Persistence
// failures are logged but never block the caller: the zerolog line is the
// audit trail of last resort if the database write fails.
func (r *Recorder) Record(ctx context.Context, actor, action, resource, resourceID, result string) {
	r.zl.Info().
		Str("actor", actor).
		Str("action", action).
		Str("resource", resource).
		Str("resource_id", resourceID).
		Str("result", result).
		Msg("audit event")

	entry := &domain.AuditLog{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Result:     result,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.InsertAuditLog(ctx, entry); err != nil {
		r.zl.Error().Err(err).Str("action", action).Msg("persist audit log entry failed")
	}
}
