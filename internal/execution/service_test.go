package execution_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/SignFlow/internal/apperr"
	"github.com/dharsanguruparan/SignFlow/internal/conversion"
	"github.com/dharsanguruparan/SignFlow/internal/execution"
	"github.com/dharsanguruparan/SignFlow/internal/model"
	"github.com/dharsanguruparan/SignFlow/internal/storage"
)

var pngSignature = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

type fakeConverter struct {
	mu    sync.Mutex
	err   error
	calls []conversion.JobRequest
}

func (f *fakeConverter) Convert(ctx context.Context, req conversion.JobRequest) (*conversion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &conversion.Result{JobID: "job", Data: []byte("%PDF-preview"), Attempts: 1}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
	err      error
}

func (f *fakeNotifier) NotifySigner(ctx context.Context, instanceID, signerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, signerID)
	return f.err
}

type testEnv struct {
	Ctx       context.Context
	Store     *storage.MemoryStore
	Blob      *storage.MemoryBlob
	Converter *fakeConverter
	Notifier  *fakeNotifier
	Service   *execution.Service
	Clock     *time.Time
	Tokens    []string
}

func newTestEnv(t *testing.T, signers int) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{
		Ctx:       ctx,
		Store:     storage.NewMemoryStore(),
		Blob:      storage.NewMemoryBlob("https://blob.test/docs"),
		Converter: &fakeConverter{},
		Notifier:  &fakeNotifier{},
		Clock:     &clock,
	}
	require.NoError(t, env.Blob.Upload(ctx, "templates/nda.html", []byte("Hello [NAME], your total is {amount}"), "text/html"))
	require.NoError(t, env.Store.CreateTemplate(ctx, &model.FormTemplate{ID: "nda", SourcePath: "templates/nda.html"}))
	require.NoError(t, env.Store.CreateInstance(ctx, &model.DocumentInstance{ID: "case-1", TemplateID: "nda"}))
	for i := 1; i <= signers; i++ {
		tok := fmt.Sprintf("tok-%d", i)
		require.NoError(t, env.Store.CreateSigner(ctx, &model.Signer{
			ID:             fmt.Sprintf("s%d", i),
			InstanceID:     "case-1",
			Name:           fmt.Sprintf("Signer %d", i),
			AccessToken:    tok,
			TokenExpiresAt: clock.Add(24 * time.Hour),
			SigningOrder:   i,
		}))
		env.Tokens = append(env.Tokens, tok)
	}
	env.Service = execution.New(execution.Deps{
		Store:     env.Store,
		Blob:      env.Blob,
		Converter: env.Converter,
		Notifier:  env.Notifier,
		Now: func() time.Time {
			// every call advances the clock so versions never collide
			*env.Clock = env.Clock.Add(time.Second)
			return *env.Clock
		},
	})
	return env
}

func (e *testEnv) instance(t *testing.T) *model.DocumentInstance {
	t.Helper()
	inst, err := e.Store.GetInstance(e.Ctx, "case-1")
	require.NoError(t, err)
	return inst
}

func (e *testEnv) signers(t *testing.T) []model.Signer {
	t.Helper()
	out, err := e.Store.ListSigners(e.Ctx, "case-1")
	require.NoError(t, err)
	return out
}

func (e *testEnv) actions(t *testing.T) []string {
	t.Helper()
	entries, err := e.Store.ListAudit(e.Ctx, "case-1")
	require.NoError(t, err)
	var out []string
	for _, en := range entries {
		out = append(out, en.Action)
	}
	return out
}

func TestSubmitFormAndGenerate(t *testing.T) {
	env := newTestEnv(t, 2)
	res, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana", "amount": 42})
	require.NoError(t, err)

	assert.Equal(t, model.InstanceAwaitingSignatures, res.Status)
	require.NotNil(t, res.PreviewArtifactURL)
	assert.Nil(t, res.PreviewError)
	assert.Empty(t, res.Warnings)

	mergedPath := fmt.Sprintf("case-1/v%d/merged.html", res.Version.UnixMilli())
	assert.Equal(t, "https://blob.test/docs/"+mergedPath, res.MergedArtifactURL)
	obj, ok := env.Blob.Object(mergedPath)
	require.True(t, ok)
	assert.Equal(t, "Hello Ana, your total is 42", string(obj.Data))
	assert.Equal(t, fmt.Sprintf("https://blob.test/docs/case-1/v%d/preview.pdf", res.Version.UnixMilli()), *res.PreviewArtifactURL)

	require.Len(t, env.Converter.calls, 1)
	assert.Equal(t, res.MergedArtifactURL, env.Converter.calls[0].SourceURL)
	assert.Equal(t, "pdf", env.Converter.calls[0].OutputFormat)

	inst := env.instance(t)
	assert.Equal(t, model.InstanceAwaitingSignatures, inst.Status)
	assert.Equal(t, res.MergedArtifactURL, *inst.MergedArtifactURL)
	require.NotNil(t, inst.ArtifactVersion)
	assert.Equal(t, res.Version, *inst.ArtifactVersion)
	assert.Equal(t, "Ana", inst.Submission["name"])

	assert.Equal(t, model.SignerFormSubmitted, env.signers(t)[0].Status)
	assert.Equal(t, []string{model.ActionFormSubmitted, model.ActionGenerationSuccess}, env.actions(t))
	assert.Equal(t, []string{"s1"}, env.Notifier.notified)
}

func TestSubmitKeepsUnresolvedPlaceholders(t *testing.T) {
	env := newTestEnv(t, 1)
	res, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana"})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "{amount}", res.Warnings[0].Placeholder)
	obj, _ := env.Blob.Object(fmt.Sprintf("case-1/v%d/merged.html", res.Version.UnixMilli()))
	assert.Equal(t, "Hello Ana, your total is {amount}", string(obj.Data))
}

func TestConversionErrorIsNotFatal(t *testing.T) {
	for name, convErr := range map[string]error{
		"failed":  fmt.Errorf("job error: %w", conversion.ErrFailed),
		"timeout": fmt.Errorf("wrapped: %w", conversion.ErrTimeout),
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, 2)
			env.Converter.err = convErr
			res, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana", "amount": 1})
			require.NoError(t, err)
			assert.Equal(t, model.InstanceAwaitingSignatures, res.Status)
			assert.Nil(t, res.PreviewArtifactURL)
			require.NotNil(t, res.PreviewError)
			if name == "timeout" {
				assert.Equal(t, apperr.CodeConversionTimeout, res.PreviewError.Code)
			} else {
				assert.Equal(t, apperr.CodeConversionFailed, res.PreviewError.Code)
			}

			inst := env.instance(t)
			assert.Equal(t, model.InstanceAwaitingSignatures, inst.Status)
			require.NotNil(t, inst.MergedArtifactURL)
			assert.Nil(t, inst.PreviewArtifactURL)
			assert.Contains(t, env.actions(t), model.ActionPreviewFailure)
			assert.Contains(t, env.actions(t), model.ActionGenerationSuccess)
		})
	}
}

func TestMergedUploadFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, 1)
	env.Blob.FailUpload = func(path string) bool { return true }
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana"})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.StageUpload, appErr.Stage)
	assert.Equal(t, model.InstanceSubmitted, env.instance(t).Status)
	assert.Nil(t, env.instance(t).MergedArtifactURL)
	assert.Equal(t, []string{model.ActionFormSubmitted, model.ActionGenerationFailure}, env.actions(t))
}

func TestMissingTemplateIsNotFound(t *testing.T) {
	env := newTestEnv(t, 1)
	require.NoError(t, env.Store.CreateTemplate(env.Ctx, &model.FormTemplate{ID: "broken", SourcePath: "templates/missing.html"}))
	require.NoError(t, env.Store.CreateInstance(env.Ctx, &model.DocumentInstance{ID: "case-2", TemplateID: "broken"}))
	require.NoError(t, env.Store.CreateSigner(env.Ctx, &model.Signer{
		ID: "x1", InstanceID: "case-2", AccessToken: "tok-x", TokenExpiresAt: env.Clock.Add(time.Hour), SigningOrder: 1,
	}))
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, "tok-x", model.Submission{})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.StageTemplate, appErr.Stage)
	assert.Equal(t, apperr.CodeNotFound, appErr.Code)
	entries, err := env.Store.ListAudit(env.Ctx, "case-2")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ActionGenerationFailure, entries[1].Action)
	assert.Equal(t, "template", entries[1].Details["stage"])
}

func TestPreviewBodyFallback(t *testing.T) {
	env := newTestEnv(t, 1)
	require.NoError(t, env.Store.CreateTemplate(env.Ctx, &model.FormTemplate{ID: "inline", PreviewBody: "<p>[NAME]</p>"}))
	require.NoError(t, env.Store.CreateInstance(env.Ctx, &model.DocumentInstance{ID: "case-3", TemplateID: "inline"}))
	require.NoError(t, env.Store.CreateSigner(env.Ctx, &model.Signer{
		ID: "y1", InstanceID: "case-3", AccessToken: "tok-y", TokenExpiresAt: env.Clock.Add(time.Hour), SigningOrder: 1,
	}))
	res, err := env.Service.SubmitFormAndGenerate(env.Ctx, "tok-y", model.Submission{"NAME": "Bo"})
	require.NoError(t, err)
	obj, ok := env.Blob.Object(fmt.Sprintf("case-3/v%d/merged.html", res.Version.UnixMilli()))
	require.True(t, ok)
	assert.Equal(t, "<p>Bo</p>", string(obj.Data))
}

func TestSequentialSigningAndFinalize(t *testing.T) {
	env := newTestEnv(t, 3)
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana", "amount": 42})
	require.NoError(t, err)

	for i, tok := range env.Tokens {
		// every later signer is blocked until this one signs
		for _, later := range env.Tokens[i+1:] {
			_, err := env.Service.SignDocument(env.Ctx, later, execution.SignatureImage{Data: pngSignature})
			assert.True(t, errors.Is(err, apperr.ErrOrderViolation), "signer after %d", i+1)
		}
		res, err := env.Service.SignDocument(env.Ctx, tok, execution.SignatureImage{Data: pngSignature})
		require.NoError(t, err)
		assert.Equal(t, model.SignerSigned, res.SignerStatus)
		if i < len(env.Tokens)-1 {
			assert.Equal(t, model.InstanceAwaitingSignatures, res.Status)
		} else {
			assert.Equal(t, model.InstanceFinalized, res.Status)
		}
		obj, ok := env.Blob.Object(res.SignatureImageURL[len("https://blob.test/docs/"):])
		require.True(t, ok)
		assert.Equal(t, "image/png", obj.ContentType)
	}

	assert.Equal(t, model.InstanceFinalized, env.instance(t).Status)
	for _, s := range env.signers(t) {
		assert.Equal(t, model.SignerSigned, s.Status)
		assert.NotNil(t, s.SignedAt)
		assert.NotNil(t, s.SignatureImageURL)
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, env.Notifier.notified)
	actions := env.actions(t)
	assert.Equal(t, model.ActionFinalized, actions[len(actions)-1])
}

func TestSignerTwoBeforeSignerOne(t *testing.T) {
	env := newTestEnv(t, 2)
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana"})
	require.NoError(t, err)

	_, err = env.Service.SignDocument(env.Ctx, env.Tokens[1], execution.SignatureImage{Data: pngSignature})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindOrderViolation, appErr.Kind)
	assert.Equal(t, model.SignerPending, env.signers(t)[1].Status)
}

func TestResubmitNeverResetsSignedSigner(t *testing.T) {
	env := newTestEnv(t, 2)
	first, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana", "amount": 1})
	require.NoError(t, err)
	_, err = env.Service.SignDocument(env.Ctx, env.Tokens[0], execution.SignatureImage{Data: pngSignature})
	require.NoError(t, err)

	second, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[1], model.Submission{"name": "Ana", "amount": 2})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceAwaitingSignatures, second.Status)
	assert.NotEqual(t, first.MergedArtifactURL, second.MergedArtifactURL)

	signers := env.signers(t)
	assert.Equal(t, model.SignerSigned, signers[0].Status)
	assert.Equal(t, model.SignerFormSubmitted, signers[1].Status)
	// the earlier version is still in storage
	_, ok := env.Blob.Object(first.MergedArtifactURL[len("https://blob.test/docs/"):])
	assert.True(t, ok)
}

func TestFailedRegenerationKeepsCurrentVersion(t *testing.T) {
	env := newTestEnv(t, 2)
	first, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana"})
	require.NoError(t, err)
	_, err = env.Service.SignDocument(env.Ctx, env.Tokens[0], execution.SignatureImage{Data: pngSignature})
	require.NoError(t, err)

	env.Blob.FailUpload = func(path string) bool { return true }
	_, err = env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[1], model.Submission{"name": "Bo"})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.StageUpload, appErr.Stage)

	inst := env.instance(t)
	assert.Equal(t, model.InstanceAwaitingSignatures, inst.Status)
	require.NotNil(t, inst.MergedArtifactURL)
	assert.Equal(t, first.MergedArtifactURL, *inst.MergedArtifactURL)
	assert.Equal(t, "Ana", inst.Submission["name"])

	env.Blob.FailUpload = nil
	res, err := env.Service.SignDocument(env.Ctx, env.Tokens[1], execution.SignatureImage{Data: pngSignature})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceFinalized, res.Status)
}

func TestResubmitAsSignedSignerKeepsStatus(t *testing.T) {
	env := newTestEnv(t, 2)
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana"})
	require.NoError(t, err)
	_, err = env.Service.SignDocument(env.Ctx, env.Tokens[0], execution.SignatureImage{Data: pngSignature})
	require.NoError(t, err)
	_, err = env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ann"})
	require.NoError(t, err)
	assert.Equal(t, model.SignerSigned, env.signers(t)[0].Status)
}

func TestFinalizedBlocksRegeneration(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana"})
	require.NoError(t, err)
	_, err = env.Service.SignDocument(env.Ctx, env.Tokens[0], execution.SignatureImage{Data: pngSignature})
	require.NoError(t, err)
	before := env.instance(t)

	_, err = env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Eve"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))
	assert.Equal(t, before, env.instance(t))

	_, err = env.Service.SignDocument(env.Ctx, env.Tokens[0], execution.SignatureImage{Data: pngSignature})
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))
}

func TestSignBeforeGenerationRejected(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.Service.SignDocument(env.Ctx, env.Tokens[0], execution.SignatureImage{Data: pngSignature})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.CodeInvalidState, appErr.Code)
	assert.Equal(t, model.SignerPending, env.signers(t)[0].Status)
}

func TestSignTwiceRejected(t *testing.T) {
	env := newTestEnv(t, 2)
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{})
	require.NoError(t, err)
	_, err = env.Service.SignDocument(env.Ctx, env.Tokens[0], execution.SignatureImage{Data: pngSignature})
	require.NoError(t, err)
	_, err = env.Service.SignDocument(env.Ctx, env.Tokens[0], execution.SignatureImage{Data: pngSignature})
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))
}

func TestSignatureImageValidation(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{})
	require.NoError(t, err)
	for _, img := range []execution.SignatureImage{
		{},
		{Data: []byte("plain text, not an image")},
		{Data: pngSignature, ContentType: "application/pdf"},
	} {
		_, err := env.Service.SignDocument(env.Ctx, env.Tokens[0], img)
		assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
	}
	assert.Equal(t, model.SignerFormSubmitted, env.signers(t)[0].Status)
}

func TestExpiredTokenMutatesNothing(t *testing.T) {
	env := newTestEnv(t, 1)
	*env.Clock = env.Clock.Add(48 * time.Hour)
	before := env.instance(t)

	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana"})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindAuth, appErr.Kind)
	assert.Equal(t, apperr.CodeTokenExpired, appErr.Code)

	assert.Equal(t, before, env.instance(t))
	assert.Equal(t, model.SignerPending, env.signers(t)[0].Status)
	assert.Empty(t, env.actions(t))
	assert.Empty(t, env.Blob.Paths()[1:])
}

func TestNotifierFailureIsIgnored(t *testing.T) {
	env := newTestEnv(t, 1)
	env.Notifier.err = errors.New("redis down")
	_, err := env.Service.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{})
	assert.NoError(t, err)
}

func TestView(t *testing.T) {
	env := newTestEnv(t, 2)
	v, err := env.Service.View(env.Ctx, env.Tokens[0])
	require.NoError(t, err)
	assert.Equal(t, "s1", v.Signer.ID)
	require.Len(t, v.Signers, 2)
	assert.Equal(t, "Signer 2", v.Signers[1].Name)

	// later signers can look while earlier ones are pending
	later, err := env.Service.View(env.Ctx, env.Tokens[1])
	require.NoError(t, err)
	assert.Equal(t, "s2", later.Signer.ID)
	assert.Equal(t, model.SignerPending, later.Signers[0].Status)

	_, err = env.Service.View(env.Ctx, "unknown")
	assert.True(t, errors.Is(err, apperr.ErrInvalidToken))
}

type panickingConverter struct{}

func (panickingConverter) Convert(ctx context.Context, req conversion.JobRequest) (*conversion.Result, error) {
	panic("converter exploded")
}

func TestConverterPanicIsPreviewError(t *testing.T) {
	env := newTestEnv(t, 1)
	svc := execution.New(execution.Deps{Store: env.Store, Blob: env.Blob, Converter: panickingConverter{}, Now: func() time.Time { return *env.Clock }})
	res, err := svc.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{})
	require.NoError(t, err)
	assert.Nil(t, res.PreviewArtifactURL)
	require.NotNil(t, res.PreviewError)
	assert.Equal(t, apperr.StageConvert, res.PreviewError.Stage)
	assert.Equal(t, apperr.CodeConversionFailed, res.PreviewError.Code)
	assert.Equal(t, model.InstanceAwaitingSignatures, env.instance(t).Status)
	assert.Contains(t, env.actions(t), model.ActionPreviewFailure)
}

type panickingNotifier struct{}

func (panickingNotifier) NotifySigner(ctx context.Context, instanceID, signerID string) error {
	panic("notifier exploded")
}

func TestPanicBecomesTypedError(t *testing.T) {
	env := newTestEnv(t, 1)
	svc := execution.New(execution.Deps{Store: env.Store, Blob: env.Blob, Converter: env.Converter, Notifier: panickingNotifier{}, Now: func() time.Time { return *env.Clock }})
	_, err := svc.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.StageFinalize, appErr.Stage)
	assert.Equal(t, apperr.CodeInternal, appErr.Code)
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) SaveSubmission(ctx context.Context, id string, submission model.Submission, status model.InstanceStatus) error {
	return errors.New("connection reset")
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, 1)
	svc := execution.New(execution.Deps{Store: failingStore{env.Store}, Blob: env.Blob, Converter: env.Converter, Now: func() time.Time { return *env.Clock }})
	_, err := svc.SubmitFormAndGenerate(env.Ctx, env.Tokens[0], model.Submission{"name": "Ana"})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.CodePersistenceFailed, appErr.Code)
	assert.Equal(t, apperr.StagePersist, appErr.Stage)
	assert.Empty(t, env.Converter.calls)
	assert.Empty(t, env.actions(t))
	assert.Equal(t, model.SignerPending, env.signers(t)[0].Status)
}
