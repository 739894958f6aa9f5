package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"sort"
	"time"

	"github.com/dharsanguruparan/SignFlow/internal/apperr"
	"github.com/dharsanguruparan/SignFlow/internal/audit"
	"github.com/dharsanguruparan/SignFlow/internal/conversion"
	"github.com/dharsanguruparan/SignFlow/internal/docstore"
	"github.com/dharsanguruparan/SignFlow/internal/merge"
	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// SubmitResult is returned by SubmitFormAndGenerate.
type SubmitResult struct {
	InstanceID         string               `json:"instanceId"`
	Status             model.InstanceStatus `json:"status"`
	MergedArtifactURL  string               `json:"mergedArtifactUrl"`
	PreviewArtifactURL *string              `json:"previewArtifactUrl,omitempty"`
	Version            time.Time            `json:"version"`
	Warnings           []merge.Warning      `json:"warnings,omitempty"`
	// PreviewError explains why PreviewArtifactURL is absent.
	PreviewError *apperr.Error `json:"previewError,omitempty"`
}

// SubmitFormAndGenerate authorizes the token holder, stores the submission and
// generates a new artifact version. Only a failure to persist the submission
// or the merged artifact is fatal; preview conversion failures are recorded
// on the result and in the audit log.
func (s *Service) SubmitFormAndGenerate(ctx context.Context, token string, submission model.Submission) (res *SubmitResult, err error) {
	stage := apperr.StageAuth
	defer recoverInvocation(&stage, &err)

	access, err := s.gate.Authorize(ctx, token)
	if err != nil {
		return nil, apperr.Classify(stage, err)
	}
	inst, signer := access.Instance, access.Signer
	if inst.Status == model.InstanceFinalized {
		return nil, apperr.New(stage, apperr.CodeInvalidState, "document is finalized and can no longer be changed")
	}
	if submission == nil {
		submission = model.Submission{}
	}

	stage = apperr.StagePersist
	next := model.InstanceSubmitted
	if inst.Status == model.InstanceAdminReview {
		next = model.InstanceAdminReview
	}
	if err := s.store.SaveSubmission(ctx, inst.ID, submission, next); err != nil {
		return nil, apperr.Wrap(stage, apperr.CodePersistenceFailed, "could not save submission", err)
	}
	if err := s.store.MarkFormSubmitted(ctx, signer.ID); err != nil {
		return nil, apperr.Wrap(stage, apperr.CodePersistenceFailed, "could not update signer", err)
	}
	inst.Submission = submission
	inst.Status = next
	s.record(ctx, inst.ID, signer.ID, model.ActionFormSubmitted, signerActor(signer.ID), audit.Details{
		"fields":          sortedKeys(submission),
		"previous_status": string(access.Instance.Status),
	})

	res, err = s.generate(ctx, &stage, inst, signer)
	if err != nil && access.Instance.MergedArtifactURL != nil {
		s.restore(ctx, access.Instance)
	}
	return res, err
}

// restore puts back the submission and status that match the instance's
// current artifacts after a regeneration failed, so signing can continue on
// the existing version.
func (s *Service) restore(ctx context.Context, prev model.DocumentInstance) {
	if err := s.store.SaveSubmission(ctx, prev.ID, prev.Submission, prev.Status); err != nil {
		log.Printf("restore %s to %s after failed generation: %v", prev.ID, prev.Status, err)
		return
	}
	log.Printf("instance %s restored to %s after failed generation", prev.ID, prev.Status)
}

func (s *Service) generate(ctx context.Context, stage *apperr.Stage, inst model.DocumentInstance, signer model.Signer) (*SubmitResult, error) {
	actor := signerActor(signer.ID)
	fail := func(err error) error {
		appErr := apperr.Classify(*stage, err)
		log.Printf("generation failed for %s at %s: %v", inst.ID, *stage, err)
		s.record(ctx, inst.ID, signer.ID, model.ActionGenerationFailure, actor, audit.Details{
			"stage":   string(appErr.Stage),
			"code":    string(appErr.Code),
			"message": appErr.Message,
		})
		return appErr
	}
	if !inst.Status.CanGenerate() {
		return nil, fail(apperr.New(*stage, apperr.CodeInvalidState, fmt.Sprintf("cannot generate from status %s", inst.Status)))
	}

	*stage = apperr.StageTemplate
	source, err := s.templateSource(ctx, inst.TemplateID)
	if err != nil {
		return nil, fail(err)
	}

	*stage = apperr.StageMerge
	merged := merge.Merge(source, inst.Submission)
	if len(merged.Warnings) > 0 {
		log.Printf("instance %s merged with %d unresolved placeholders", inst.ID, len(merged.Warnings))
	}

	*stage = apperr.StageUpload
	version := s.docs.NewVersion(inst.ID)
	mergedURL, err := s.docs.Put(ctx, version, docstore.MergedArtifact, []byte(merged.Text), "text/html; charset=utf-8")
	if err != nil {
		return nil, fail(err)
	}

	*stage = apperr.StageConvert
	previewURL, previewErr := s.preview(ctx, inst.ID, version, mergedURL)
	if previewErr != nil {
		log.Printf("preview for %s unavailable: %v", inst.ID, previewErr)
		s.record(ctx, inst.ID, signer.ID, model.ActionPreviewFailure, actor, audit.Details{
			"stage":   string(previewErr.Stage),
			"code":    string(previewErr.Code),
			"message": previewErr.Message,
			"version": version.Millis(),
		})
	}

	*stage = apperr.StageFinalize
	if err := s.store.SetArtifacts(ctx, inst.ID, mergedURL, previewURL, version.At, model.InstanceAwaitingSignatures); err != nil {
		return nil, fail(err)
	}
	details := audit.Details{
		"version":    version.Millis(),
		"merged_url": mergedURL,
		"unresolved": merged.Unresolved(),
	}
	if previewURL != nil {
		details["preview_url"] = *previewURL
	}
	s.record(ctx, inst.ID, signer.ID, model.ActionGenerationSuccess, actor, details)
	s.notifyNext(ctx, inst.ID)

	return &SubmitResult{
		InstanceID:         inst.ID,
		Status:             model.InstanceAwaitingSignatures,
		MergedArtifactURL:  mergedURL,
		PreviewArtifactURL: previewURL,
		Version:            version.At,
		Warnings:           merged.Warnings,
		PreviewError:       previewErr,
	}, nil
}

func (s *Service) templateSource(ctx context.Context, templateID string) (string, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", templateID, err)
	}
	if tpl.SourcePath == "" {
		if tpl.PreviewBody == "" {
			return "", fmt.Errorf("template %s has no source", templateID)
		}
		return tpl.PreviewBody, nil
	}
	data, err := s.docs.Get(ctx, tpl.SourcePath)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", templateID, err)
	}
	return string(data), nil
}

// preview converts the merged artifact and stores the result in the same
// version. Any failure returns a nil URL and the classified error.
func (s *Service) preview(ctx context.Context, instanceID string, version docstore.Version, mergedURL string) (url *string, previewErr *apperr.Error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("recovered panic during preview of %s: %v", instanceID, r)
			url = nil
			previewErr = apperr.Wrap(apperr.StageConvert, apperr.CodeConversionFailed, "preview conversion failed", fmt.Errorf("panic: %v", r))
		}
	}()
	if s.converter == nil {
		return nil, apperr.New(apperr.StageConvert, apperr.CodeConversionFailed, "no conversion service configured")
	}
	res, err := s.converter.Convert(ctx, conversion.JobRequest{
		SourceURL:    mergedURL,
		Filename:     docstore.MergedArtifact,
		InputFormat:  "html",
		OutputFormat: s.targetFormat,
		Tag:          instanceID,
	})
	if err != nil {
		code, msg := apperr.CodeConversionFailed, "preview conversion failed"
		if errors.Is(err, conversion.ErrTimeout) {
			code, msg = apperr.CodeConversionTimeout, "preview conversion did not finish in time"
		}
		return nil, apperr.Wrap(apperr.StageConvert, code, msg, err)
	}
	name := previewName(s.targetFormat)
	contentType := mime.TypeByExtension("." + s.targetFormat)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	stored, err := s.docs.Put(ctx, version, name, res.Data, contentType)
	if err != nil {
		return nil, apperr.Wrap(apperr.StageConvert, apperr.CodeConversionFailed, "could not store preview", err)
	}
	return &stored, nil
}

func previewName(format string) string {
	if format == "pdf" {
		return docstore.PreviewArtifact
	}
	return "preview." + format
}

func sortedKeys(m model.Submission) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
