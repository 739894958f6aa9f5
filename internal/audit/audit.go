// Package audit appends execution history records. Entries are never updated or
// deleted; they answer "what was true when signer N signed".
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// Sink persists audit entries.
type Sink interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, instanceID string) ([]model.AuditEntry, error)
}

// Details is the free-form payload of an entry.
type Details map[string]any

// Log writes entries to a Sink.
type Log struct {
	Sink Sink
	Now  func() time.Time
}

// Record appends one entry. signerID may be empty for instance-level actions.
func (l Log) Record(ctx context.Context, instanceID, signerID, action, actor string, details Details) error {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	if details == nil {
		details = Details{}
	}
	e := model.AuditEntry{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		SignerID:   signerID,
		Action:     action,
		Actor:      actor,
		Details:    details,
		CreatedAt:  now().UTC(),
	}
	if err := l.Sink.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

// History returns the entries of an instance in append order.
func (l Log) History(ctx context.Context, instanceID string) ([]model.AuditEntry, error) {
	entries, err := l.Sink.ListAudit(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}

// AsOf returns the entries recorded up to and including the first entry with
// the given action for signerID, which is the history as the signer saw it.
func AsOf(entries []model.AuditEntry, signerID, action string) ([]model.AuditEntry, bool) {
	for i, e := range entries {
		if e.SignerID == signerID && e.Action == action {
			return entries[:i+1], true
		}
	}
	return nil, false
}
