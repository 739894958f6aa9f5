package execution

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/dharsanguruparan/SignFlow/internal/apperr"
	"github.com/dharsanguruparan/SignFlow/internal/audit"
	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// SignatureImage is a drawn signature as uploaded by the signer.
type SignatureImage struct {
	Data        []byte
	ContentType string
}

// SignResult is returned by SignDocument.
type SignResult struct {
	InstanceID        string               `json:"instanceId"`
	SignerID          string               `json:"signerId"`
	Status            model.InstanceStatus `json:"status"`
	SignerStatus      model.SignerStatus   `json:"signerStatus"`
	SignatureImageURL string               `json:"signatureImageUrl"`
}

// SignDocument re-validates the signing order, stores the signature image and
// marks the signer signed. The instance is finalized when the last signer
// signs.
func (s *Service) SignDocument(ctx context.Context, token string, img SignatureImage) (res *SignResult, err error) {
	stage := apperr.StageAuth
	defer recoverInvocation(&stage, &err)

	access, err := s.gate.Authorize(ctx, token)
	if err != nil {
		return nil, apperr.Classify(stage, err)
	}
	inst, signer := access.Instance, access.Signer

	stage = apperr.StageSign
	switch {
	case inst.Status == model.InstanceFinalized:
		return nil, apperr.New(stage, apperr.CodeInvalidState, "document is already finalized")
	case inst.MergedArtifactURL == nil:
		return nil, apperr.New(stage, apperr.CodeInvalidState, "document has not been generated yet")
	case inst.Status != model.InstanceAwaitingSignatures:
		return nil, apperr.New(stage, apperr.CodeInvalidState, fmt.Sprintf("document is %s, not awaiting signatures", inst.Status))
	case signer.Status == model.SignerSigned:
		return nil, apperr.New(stage, apperr.CodeInvalidState, "signer has already signed")
	}
	contentType, err := s.checkImage(img)
	if err != nil {
		return nil, err
	}

	version := s.docs.NewVersion(inst.ID)
	name := fmt.Sprintf("signature-%d%s", signer.SigningOrder, imageExt(contentType))
	imageURL, err := s.docs.Put(ctx, version, name, img.Data, contentType)
	if err != nil {
		return nil, apperr.Classify(stage, err)
	}
	signedAt := s.now().UTC()
	if err := s.store.MarkSigned(ctx, signer.ID, imageURL, signedAt); err != nil {
		return nil, apperr.Classify(stage, err)
	}
	details := audit.Details{
		"signing_order":    signer.SigningOrder,
		"signature_url":    imageURL,
		"merged_url":       *inst.MergedArtifactURL,
		"artifact_version": artifactMillis(inst),
	}
	if inst.PreviewArtifactURL != nil {
		details["preview_url"] = *inst.PreviewArtifactURL
	}
	s.record(ctx, inst.ID, signer.ID, model.ActionSigned, signerActor(signer.ID), details)

	stage = apperr.StageFinalize
	signers, err := s.store.ListSigners(ctx, inst.ID)
	if err != nil {
		return nil, apperr.Classify(stage, err)
	}
	status := inst.Status
	if model.AllSigned(signers) {
		if err := s.store.UpdateInstanceStatus(ctx, inst.ID, model.InstanceFinalized); err != nil {
			return nil, apperr.Classify(stage, err)
		}
		status = model.InstanceFinalized
		log.Printf("instance %s finalized by signer %s", inst.ID, signer.ID)
		s.record(ctx, inst.ID, signer.ID, model.ActionFinalized, "system", audit.Details{
			"signers": len(signers),
		})
	} else {
		s.notifyNext(ctx, inst.ID)
	}

	return &SignResult{
		InstanceID:        inst.ID,
		SignerID:          signer.ID,
		Status:            status,
		SignerStatus:      model.SignerSigned,
		SignatureImageURL: imageURL,
	}, nil
}

func (s *Service) checkImage(img SignatureImage) (string, error) {
	if len(img.Data) == 0 {
		return "", apperr.New(apperr.StageSign, apperr.CodeInvalidInput, "signature image is empty")
	}
	if len(img.Data) > s.maxSignatureBytes {
		return "", apperr.New(apperr.StageSign, apperr.CodeInvalidInput,
			fmt.Sprintf("signature image exceeds %d bytes", s.maxSignatureBytes))
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", apperr.New(apperr.StageSign, apperr.CodeInvalidInput, "signature must be an image")
	}
	return contentType, nil
}

func imageExt(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

func artifactMillis(inst model.DocumentInstance) int64 {
	if inst.ArtifactVersion == nil {
		return 0
	}
	return inst.ArtifactVersion.UnixMilli()
}
