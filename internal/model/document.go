// Package model contains the struct definitions shared across the execution
// packages: templates, document instances, signers and audit entries.
package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned by every store implementation when a row is missing
// so callers can compare with errors.Is regardless of the backend.
var ErrNotFound = errors.New("not found")

// InstanceStatus describes the execution lifecycle of a DocumentInstance.
type InstanceStatus string

const (
	InstanceDraft              InstanceStatus = "draft"
	InstanceSubmitted          InstanceStatus = "submitted"
	InstanceAdminReview        InstanceStatus = "admin_review"
	InstanceAwaitingSignatures InstanceStatus = "awaiting_signatures"
	InstanceFinalized          InstanceStatus = "finalized"
)

// CanGenerate reports whether artifact generation may run from this status.
func (s InstanceStatus) CanGenerate() bool {
	return s == InstanceSubmitted || s == InstanceAdminReview
}

// SignerStatus describes a signer's progress. Values only ever move forward.
type SignerStatus string

const (
	SignerPending       SignerStatus = "pending"
	SignerFormSubmitted SignerStatus = "form_submitted"
	SignerSigned        SignerStatus = "signed"
)

// FormTemplate is immutable once an instance references it. SourcePath points
// at the template source in blob storage; PreviewBody is the merge source when
// SourcePath is empty.
type FormTemplate struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	SourcePath  string    `json:"sourcePath,omitempty" yaml:"source_path"`
	PreviewBody string    `json:"previewBody,omitempty" yaml:"preview_body"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-"`
}

// Submission maps placeholder tokens to submitted values.
type Submission map[string]any

// DocumentInstance is one execution of a template. MergedArtifactURL,
// PreviewArtifactURL and ArtifactVersion always change together.
type DocumentInstance struct {
	ID                 string         `json:"id"`
	TemplateID         string         `json:"templateId"`
	Submission         Submission     `json:"submission,omitempty"`
	Status             InstanceStatus `json:"status"`
	MergedArtifactURL  *string        `json:"mergedArtifactUrl,omitempty"`
	PreviewArtifactURL *string        `json:"previewArtifactUrl,omitempty"`
	ArtifactVersion    *time.Time     `json:"artifactVersion,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Signer is a party required to sign an instance at a fixed position.
type Signer struct {
	ID                string       `json:"id"`
	InstanceID        string       `json:"instanceId"`
	Name              string       `json:"name"`
	Email             string       `json:"email,omitempty"`
	AccessToken       string       `json:"-"`
	TokenExpiresAt    time.Time    `json:"tokenExpiresAt"`
	SigningOrder      int          `json:"signingOrder"`
	Status            SignerStatus `json:"status"`
	SignatureImageURL *string      `json:"signatureImageUrl,omitempty"`
	SignedAt          *time.Time   `json:"signedAt,omitempty"`
}

// Audit actions recorded by the execution packages.
const (
	ActionFormSubmitted     = "form.submitted"
	ActionGenerationSuccess = "generation.succeeded"
	ActionGenerationFailure = "generation.failed"
	ActionPreviewFailure    = "preview.failed"
	ActionSigned            = "signature.recorded"
	ActionFinalized         = "instance.finalized"
	ActionSignerNotified    = "signer.notified"
)

// AuditEntry is an append-only history record.
type AuditEntry struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instanceId"`
	SignerID   string         `json:"signerId,omitempty"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// AllSigned reports whether every signer in the slice has signed. An empty
// slice is never considered complete.
func AllSigned(signers []Signer) bool {
	if len(signers) == 0 {
		return false
	}
	for _, s := range signers {
		if s.Status != SignerSigned {
			return false
		}
	}
	return true
}

// NextUnsigned returns the lowest-ordered signer that has not signed yet.
func NextUnsigned(signers []Signer) (Signer, bool) {
	var (
		next  Signer
		found bool
	)
	for _, s := range signers {
		if s.Status == SignerSigned {
			continue
		}
		if !found || s.SigningOrder < next.SigningOrder {
			next = s
			found = true
		}
	}
	return next, found
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}
