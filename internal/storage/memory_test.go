package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/SignFlow/internal/model"
)

func seed(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateTemplate(ctx, &model.FormTemplate{ID: "tpl", PreviewBody: "x"}))
	require.NoError(t, m.CreateInstance(ctx, &model.DocumentInstance{ID: "i1", TemplateID: "tpl"}))
	require.NoError(t, m.CreateSigner(ctx, &model.Signer{ID: "s1", InstanceID: "i1", AccessToken: "a", SigningOrder: 1, TokenExpiresAt: time.Now()}))
	return m
}

func TestSignerUniqueness(t *testing.T) {
	m := seed(t)
	ctx := context.Background()
	assert.Error(t, m.CreateSigner(ctx, &model.Signer{ID: "s2", InstanceID: "i1", AccessToken: "a", SigningOrder: 2}))
	assert.Error(t, m.CreateSigner(ctx, &model.Signer{ID: "s3", InstanceID: "i1", AccessToken: "b", SigningOrder: 1}))
	err := m.CreateSigner(ctx, &model.Signer{ID: "s4", InstanceID: "missing", AccessToken: "c", SigningOrder: 1})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSignerStatusOnlyMovesForward(t *testing.T) {
	m := seed(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkSigned(ctx, "s1", "https://blob/sig-1.png", at))
	require.NoError(t, m.MarkFormSubmitted(ctx, "s1"))
	require.NoError(t, m.MarkSigned(ctx, "s1", "https://blob/sig-2.png", at.Add(time.Hour)))

	s, err := m.GetSigner(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SignerSigned, s.Status)
	assert.Equal(t, "https://blob/sig-1.png", *s.SignatureImageURL)
	assert.Equal(t, at, *s.SignedAt)
}

func TestGetInstanceReturnsCopy(t *testing.T) {
	m := seed(t)
	ctx := context.Background()
	require.NoError(t, m.SaveSubmission(ctx, "i1", model.Submission{"name": "Ana"}, model.InstanceSubmitted))
	inst, err := m.GetInstance(ctx, "i1")
	require.NoError(t, err)
	inst.Submission["name"] = "Eve"

	again, err := m.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", again.Submission["name"])
}

func TestMemoryBlobNotFound(t *testing.T) {
	b := NewMemoryBlob("https://blob.test/")
	_, err := b.Download(context.Background(), "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, "https://blob.test/a/b", b.PublicURL("a/b"))
}
