// Package execution owns the document execution lifecycle: it validates the
// acting signer, merges the submission into the template, stores versioned
// artifacts, requests a best-effort preview and records signatures until the
// last signer finalizes the instance.
package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dharsanguruparan/SignFlow/internal/apperr"
	"github.com/dharsanguruparan/SignFlow/internal/audit"
	"github.com/dharsanguruparan/SignFlow/internal/conversion"
	"github.com/dharsanguruparan/SignFlow/internal/docstore"
	"github.com/dharsanguruparan/SignFlow/internal/gate"
	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// Store is the relational store used by the state machine.
type Store interface {
	gate.Store
	audit.Sink
	GetTemplate(ctx context.Context, id string) (*model.FormTemplate, error)
	SaveSubmission(ctx context.Context, id string, submission model.Submission, status model.InstanceStatus) error
	MarkFormSubmitted(ctx context.Context, signerID string) error
	SetArtifacts(ctx context.Context, id string, mergedURL string, previewURL *string, version time.Time, status model.InstanceStatus) error
	MarkSigned(ctx context.Context, signerID, imageURL string, at time.Time) error
	UpdateInstanceStatus(ctx context.Context, id string, status model.InstanceStatus) error
}

// Converter renders a merged artifact into the preview format.
type Converter interface {
	Convert(ctx context.Context, req conversion.JobRequest) (*conversion.Result, error)
}

// Notifier tells the next signer that the document is waiting for them.
type Notifier interface {
	NotifySigner(ctx context.Context, instanceID, signerID string) error
}

// Deps are the collaborators of a Service. Converter, Notifier and Tokens are
// optional.
type Deps struct {
	Store             Store
	Blob              docstore.Blob
	Converter         Converter
	Notifier          Notifier
	Tokens            gate.TokenChecker
	TargetFormat      string
	MaxSignatureBytes int
	Now               func() time.Time
}

// Service executes submissions and signatures. It holds no mutable state of
// its own; every call reads what it needs from the store.
type Service struct {
	store             Store
	gate              gate.Gate
	docs              *docstore.Store
	converter         Converter
	notifier          Notifier
	audit             audit.Log
	targetFormat      string
	maxSignatureBytes int
	now               func() time.Time
}

const (
	defaultTargetFormat      = "pdf"
	defaultMaxSignatureBytes = 2 << 20
)

// New wires a Service from its dependencies.
func New(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	format := d.TargetFormat
	if format == "" {
		format = defaultTargetFormat
	}
	maxSig := d.MaxSignatureBytes
	if maxSig <= 0 {
		maxSig = defaultMaxSignatureBytes
	}
	docs := docstore.New(d.Blob)
	docs.Now = now
	return &Service{
		store:             d.Store,
		gate:              gate.Gate{Store: d.Store, Tokens: d.Tokens, Now: now},
		docs:              docs,
		converter:         d.Converter,
		notifier:          d.Notifier,
		audit:             audit.Log{Sink: d.Store, Now: now},
		targetFormat:      format,
		maxSignatureBytes: maxSig,
		now:               now,
	}
}

// View is the read-only state a signer may see.
type View struct {
	Instance model.DocumentInstance `json:"instance"`
	Signer   model.Signer           `json:"signer"`
	Signers  []SignerSummary        `json:"signers"`
}

// SignerSummary hides tokens and contact details of the other signers.
type SignerSummary struct {
	SigningOrder int                `json:"signingOrder"`
	Name         string             `json:"name"`
	Status       model.SignerStatus `json:"status"`
	SignedAt     *time.Time         `json:"signedAt,omitempty"`
}

// View returns the instance as seen by the token's holder. Any holder of a
// valid token may look, whatever their place in the signing order.
func (s *Service) View(ctx context.Context, token string) (v *View, err error) {
	stage := apperr.StageAuth
	defer recoverInvocation(&stage, &err)
	access, err := s.gate.Resolve(ctx, token)
	if err != nil {
		return nil, apperr.Classify(apperr.StageAuth, err)
	}
	v = &View{Instance: access.Instance, Signer: access.Signer}
	for _, sg := range access.Signers {
		v.Signers = append(v.Signers, SignerSummary{SigningOrder: sg.SigningOrder, Name: sg.Name, Status: sg.Status, SignedAt: sg.SignedAt})
	}
	return v, nil
}

func (s *Service) record(ctx context.Context, instanceID, signerID, action, actor string, details audit.Details) {
	if err := s.audit.Record(ctx, instanceID, signerID, action, actor, details); err != nil {
		log.Printf("audit %s for %s failed: %v", action, instanceID, err)
	}
}

// notifyNext queues a notification for the lowest-ordered unsigned signer.
func (s *Service) notifyNext(ctx context.Context, instanceID string) {
	if s.notifier == nil {
		return
	}
	signers, err := s.store.ListSigners(ctx, instanceID)
	if err != nil {
		log.Printf("notify next signer for %s: list signers: %v", instanceID, err)
		return
	}
	next, ok := model.NextUnsigned(signers)
	if !ok {
		return
	}
	if err := s.notifier.NotifySigner(ctx, instanceID, next.ID); err != nil {
		log.Printf("notify signer %s for %s failed: %v", next.ID, instanceID, err)
	}
}

func signerActor(id string) string { return "signer:" + id }

// recoverInvocation converts a panic into a typed INTERNAL error so no
// invocation ends without a structured result.
func recoverInvocation(stage *apperr.Stage, err *error) {
	if r := recover(); r != nil {
		log.Printf("recovered panic during %s: %v", *stage, r)
		*err = apperr.Wrap(*stage, apperr.CodeInternal, "unexpected failure", fmt.Errorf("panic: %v", r))
	}
}
