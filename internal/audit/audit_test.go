package audit

import (
	"context"
	"testing"

	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
)

type fakeStore struct {
	entries []*domain.AuditLog
	err     error
}

func (f *fakeStore) InsertAuditLog(ctx context.Context, a *domain.AuditLog) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, a)
	return nil
}

func TestRecordPersistsEntry(t *testing.T) {
	store := &fakeStore{}
	rec := New(store)

	rec.Record(context.Background(), "user-1", "meter.verified", "meter", "meter-42", "success")

	if len(store.entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(store.entries))
	}
	got := store.entries[0]
	if got.Actor != "user-1" || got.Action != "meter.verified" || got.Resource != "meter" || got.ResourceID != "meter-42" || got.Result != "success" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestRecordSurvivesPersistenceFailure(t *testing.T) {
	store := &fakeStore{err: context.DeadlineExceeded}
	rec := New(store)

	rec.Record(context.Background(), "user-1", "epoch.trigger", "market_epoch", "epoch-1", "failure")
}
