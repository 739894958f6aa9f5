// Package storage contains in-memory implementations of the relational store
// and the blob store. They back the unit tests and local runs without
// Postgres or MinIO.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// MemoryStore keeps templates, instances, signers and audit entries in maps
// guarded by a RWMutex. Writes are last-write-wins, like the SQL store.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]model.FormTemplate
	instances map[string]model.DocumentInstance
	signers   map[string]model.Signer
	audit     []model.AuditEntry
	now       func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]model.FormTemplate),
		instances: make(map[string]model.DocumentInstance),
		signers:   make(map[string]model.Signer),
		now:       time.Now,
	}
}

// CreateTemplate inserts a template.
func (m *MemoryStore) CreateTemplate(ctx context.Context, t *model.FormTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; ok {
		return fmt.Errorf("template %s already exists", t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	m.templates[t.ID] = *t
	return nil
}

// GetTemplate returns a template by id.
func (m *MemoryStore) GetTemplate(ctx context.Context, id string) (*model.FormTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &t, nil
}

// CreateInstance inserts an instance in draft status.
func (m *MemoryStore) CreateInstance(ctx context.Context, inst *model.DocumentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[inst.TemplateID]; !ok {
		return fmt.Errorf("template %s: %w", inst.TemplateID, model.ErrNotFound)
	}
	now := m.now().UTC()
	if inst.Status == "" {
		inst.Status = model.InstanceDraft
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now
	m.instances[inst.ID] = cloneInstance(*inst)
	return nil
}

// GetInstance returns a copy of the instance so callers cannot mutate state.
func (m *MemoryStore) GetInstance(ctx context.Context, id string) (*model.DocumentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := cloneInstance(inst)
	return &cp, nil
}

// SaveSubmission stores the submission and moves the instance to status.
func (m *MemoryStore) SaveSubmission(ctx context.Context, id string, submission model.Submission, status model.InstanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return model.ErrNotFound
	}
	inst.Submission = cloneSubmission(submission)
	inst.Status = status
	inst.UpdatedAt = m.now().UTC()
	m.instances[id] = inst
	return nil
}

// SetArtifacts points the instance at a new artifact version.
func (m *MemoryStore) SetArtifacts(ctx context.Context, id string, mergedURL string, previewURL *string, version time.Time, status model.InstanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return model.ErrNotFound
	}
	inst.MergedArtifactURL = model.StringPtr(mergedURL)
	inst.PreviewArtifactURL = nil
	if previewURL != nil {
		inst.PreviewArtifactURL = model.StringPtr(*previewURL)
	}
	v := version.UTC()
	inst.ArtifactVersion = &v
	inst.Status = status
	inst.UpdatedAt = m.now().UTC()
	m.instances[id] = inst
	return nil
}

// UpdateInstanceStatus sets the instance status.
func (m *MemoryStore) UpdateInstanceStatus(ctx context.Context, id string, status model.InstanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return model.ErrNotFound
	}
	inst.Status = status
	inst.UpdatedAt = m.now().UTC()
	m.instances[id] = inst
	return nil
}

// CreateSigner inserts a signer. Tokens and (instance, order) pairs are unique.
func (m *MemoryStore) CreateSigner(ctx context.Context, s *model.Signer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[s.InstanceID]; !ok {
		return fmt.Errorf("instance %s: %w", s.InstanceID, model.ErrNotFound)
	}
	for _, existing := range m.signers {
		if existing.AccessToken == s.AccessToken {
			return fmt.Errorf("signer token already in use")
		}
		if existing.InstanceID == s.InstanceID && existing.SigningOrder == s.SigningOrder {
			return fmt.Errorf("signing order %d already taken on instance %s", s.SigningOrder, s.InstanceID)
		}
	}
	if s.Status == "" {
		s.Status = model.SignerPending
	}
	m.signers[s.ID] = cloneSigner(*s)
	return nil
}

// FindSignerByToken resolves a signer by access token.
func (m *MemoryStore) FindSignerByToken(ctx context.Context, token string) (*model.Signer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.signers {
		if s.AccessToken == token {
			cp := cloneSigner(s)
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

// GetSigner returns a signer by id.
func (m *MemoryStore) GetSigner(ctx context.Context, id string) (*model.Signer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signers[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := cloneSigner(s)
	return &cp, nil
}

// ListSigners returns the instance's signers ordered by signing order.
func (m *MemoryStore) ListSigners(ctx context.Context, instanceID string) ([]model.Signer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Signer
	for _, s := range m.signers {
		if s.InstanceID == instanceID {
			out = append(out, cloneSigner(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SigningOrder < out[j].SigningOrder })
	return out, nil
}

// MarkFormSubmitted moves a pending signer to form_submitted. Other statuses
// are left alone so a signer never moves backwards.
func (m *MemoryStore) MarkFormSubmitted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signers[id]
	if !ok {
		return model.ErrNotFound
	}
	if s.Status == model.SignerPending {
		s.Status = model.SignerFormSubmitted
		m.signers[id] = s
	}
	return nil
}

// MarkSigned records the signature for a signer that has not signed yet.
func (m *MemoryStore) MarkSigned(ctx context.Context, id, imageURL string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signers[id]
	if !ok {
		return model.ErrNotFound
	}
	if s.Status == model.SignerSigned {
		return nil
	}
	signedAt := at.UTC()
	s.Status = model.SignerSigned
	s.SignatureImageURL = model.StringPtr(imageURL)
	s.SignedAt = &signedAt
	m.signers[id] = s
	return nil
}

// AppendAudit appends an entry; entries are never changed afterwards.
func (m *MemoryStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.audit = append(m.audit, e)
	return nil
}

// ListAudit returns the instance's entries in append order.
func (m *MemoryStore) ListAudit(ctx context.Context, instanceID string) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AuditEntry
	for _, e := range m.audit {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func cloneInstance(in model.DocumentInstance) model.DocumentInstance {
	out := in
	out.Submission = cloneSubmission(in.Submission)
	if in.MergedArtifactURL != nil {
		out.MergedArtifactURL = model.StringPtr(*in.MergedArtifactURL)
	}
	if in.PreviewArtifactURL != nil {
		out.PreviewArtifactURL = model.StringPtr(*in.PreviewArtifactURL)
	}
	if in.ArtifactVersion != nil {
		v := *in.ArtifactVersion
		out.ArtifactVersion = &v
	}
	return out
}

func cloneSigner(in model.Signer) model.Signer {
	out := in
	if in.SignatureImageURL != nil {
		out.SignatureImageURL = model.StringPtr(*in.SignatureImageURL)
	}
	if in.SignedAt != nil {
		v := *in.SignedAt
		out.SignedAt = &v
	}
	return out
}

func cloneSubmission(in model.Submission) model.Submission {
	if in == nil {
		return nil
	}
	out := make(model.Submission, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
