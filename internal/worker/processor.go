package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SignFlow/internal/audit"
	"github.com/dharsanguruparan/SignFlow/internal/model"
	"github.com/dharsanguruparan/SignFlow/internal/queue"
)

// Store is the slice of the relational store the processor needs.
type Store interface {
	audit.Sink
	GetSigner(ctx context.Context, id string) (*model.Signer, error)
	GetInstance(ctx context.Context, id string) (*model.DocumentInstance, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store Store
	audit audit.Log
}

// NewProcessor constructs a worker processor.
func NewProcessor(store Store) *Processor {
	return &Processor{store: store, audit: audit.Log{Sink: store}}
}

// Handler registers the notify job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.NotifySignerTask, p.handleNotify)
	return mux
}

func (p *Processor) handleNotify(ctx context.Context, task *asynq.Task) error {
	var payload queue.NotifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// a malformed payload never succeeds, so skip retries
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	failure := func(err error) error {
		log.Printf("notify failed for signer %s on %s: %v", payload.SignerID, payload.InstanceID, err)
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	signer, err := p.store.GetSigner(ctx, payload.SignerID)
	if err != nil {
		return failure(err)
	}
	inst, err := p.store.GetInstance(ctx, payload.InstanceID)
	if err != nil {
		return failure(err)
	}
	if signer.Status == model.SignerSigned || inst.Status == model.InstanceFinalized {
		log.Printf("signer %s on %s no longer needs a notification", signer.ID, inst.ID)
		return nil
	}
	details := audit.Details{
		"signing_order": signer.SigningOrder,
		"email":         signer.Email,
	}
	if inst.MergedArtifactURL != nil {
		details["merged_url"] = *inst.MergedArtifactURL
	}
	if err := p.audit.Record(ctx, inst.ID, signer.ID, model.ActionSignerNotified, "system", details); err != nil {
		return failure(err)
	}
	log.Printf("signer %s (order %d) notified for %s", signer.ID, signer.SigningOrder, inst.ID)
	return nil
}
