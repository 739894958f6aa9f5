// Package gate resolves a signer from an opaque access token and enforces the
// sequential signing order. It is the only place a raw token is accepted.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/SignFlow/internal/apperr"
	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// Store is the read-only subset of the relational store the gate needs.
type Store interface {
	FindSignerByToken(ctx context.Context, token string) (*model.Signer, error)
	GetInstance(ctx context.Context, id string) (*model.DocumentInstance, error)
	ListSigners(ctx context.Context, instanceID string) ([]model.Signer, error)
}

// TokenChecker rejects malformed tokens before a store lookup.
type TokenChecker interface {
	Valid(token string) bool
}

// Gate authorizes signers. Tokens is optional.
type Gate struct {
	Store  Store
	Tokens TokenChecker
	Now    func() time.Time
}

// Access is the result of a successful authorization.
type Access struct {
	Signer   model.Signer
	Instance model.DocumentInstance
	// Signers holds every signer on the instance ordered by signing order.
	Signers []model.Signer
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Authorize is Resolve plus the signing-order check: every signer ahead of
// the token's holder must have signed. It never mutates a row.
func (g Gate) Authorize(ctx context.Context, token string) (*Access, error) {
	access, err := g.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if blocker, blocked := firstUnsignedBefore(access.Signers, access.Signer.SigningOrder); blocked {
		return nil, apperr.New(apperr.StageAuth, apperr.CodeOrderViolation,
			fmt.Sprintf("signer %d must sign before signer %d", blocker.SigningOrder, access.Signer.SigningOrder))
	}
	return access, nil
}

// Resolve validates token and its expiry and loads the holder's instance.
// It does not check the signing order, so it only backs read-only access.
func (g Gate) Resolve(ctx context.Context, token string) (*Access, error) {
	if token == "" {
		return nil, apperr.New(apperr.StageAuth, apperr.CodeInvalidToken, "access token is required")
	}
	if g.Tokens != nil && !g.Tokens.Valid(token) {
		return nil, apperr.New(apperr.StageAuth, apperr.CodeInvalidToken, "access token is not valid")
	}
	signer, err := g.Store.FindSignerByToken(ctx, token)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, apperr.New(apperr.StageAuth, apperr.CodeInvalidToken, "access token is not valid")
		}
		return nil, apperr.Wrap(apperr.StageAuth, apperr.CodeInternal, "could not resolve access token", err)
	}
	if !g.now().Before(signer.TokenExpiresAt) {
		return nil, apperr.New(apperr.StageAuth, apperr.CodeTokenExpired, "access token has expired")
	}
	instance, err := g.Store.GetInstance(ctx, signer.InstanceID)
	if err != nil {
		return nil, apperr.Classify(apperr.StageAuth, fmt.Errorf("instance %s: %w", signer.InstanceID, err))
	}
	signers, err := g.Store.ListSigners(ctx, instance.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StageAuth, apperr.CodeInternal, "could not list signers", err)
	}
	return &Access{Signer: *signer, Instance: *instance, Signers: signers}, nil
}

func firstUnsignedBefore(signers []model.Signer, order int) (model.Signer, bool) {
	var (
		blocker model.Signer
		found   bool
	)
	for _, s := range signers {
		if s.SigningOrder >= order || s.Status == model.SignerSigned {
			continue
		}
		if !found || s.SigningOrder < blocker.SigningOrder {
			blocker, found = s, true
		}
	}
	return blocker, found
}
