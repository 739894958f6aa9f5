package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// Store wraps all SQL used by the API, the worker and the CLI. Updates are
// plain last-write-wins statements; the only guards are the signer status
// predicates that keep a signer from moving backwards.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateTemplate inserts a template.
func (r *Store) CreateTemplate(ctx context.Context, t *model.FormTemplate) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO form_templates (id, name, source_path, preview_body, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, t.ID, t.Name, t.SourcePath, t.PreviewBody, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate returns a template by id.
func (r *Store) GetTemplate(ctx context.Context, id string) (*model.FormTemplate, error) {
	var t model.FormTemplate
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, source_path, preview_body, created_at
		FROM form_templates WHERE id=$1
	`, id).Scan(&t.ID, &t.Name, &t.SourcePath, &t.PreviewBody, &t.CreatedAt)
	if err != nil {
		return nil, notFound("select template", err)
	}
	return &t, nil
}

// CreateInstance inserts an instance, in draft status unless one is given.
func (r *Store) CreateInstance(ctx context.Context, inst *model.DocumentInstance) error {
	now := time.Now().UTC()
	if inst.Status == "" {
		inst.Status = model.InstanceDraft
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now
	sub, err := encodeJSON(inst.Submission)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO document_instances (id, template_id, submission_json, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, inst.ID, inst.TemplateID, sub, inst.Status, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance returns an instance by id.
func (r *Store) GetInstance(ctx context.Context, id string) (*model.DocumentInstance, error) {
	var (
		inst      model.DocumentInstance
		sub       []byte
		merged    sql.NullString
		preview   sql.NullString
		versionAt sql.NullTime
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, template_id, submission_json, status, merged_artifact_url, preview_artifact_url,
			artifact_version, created_at, updated_at
		FROM document_instances WHERE id=$1
	`, id)
	if err := row.Scan(&inst.ID, &inst.TemplateID, &sub, &inst.Status, &merged, &preview, &versionAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, notFound("select instance", err)
	}
	if err := decodeJSON(sub, &inst.Submission); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	if merged.Valid {
		inst.MergedArtifactURL = model.StringPtr(merged.String)
	}
	if preview.Valid {
		inst.PreviewArtifactURL = model.StringPtr(preview.String)
	}
	if versionAt.Valid {
		v := versionAt.Time.UTC()
		inst.ArtifactVersion = &v
	}
	return &inst, nil
}

// SaveSubmission replaces the stored submission and sets the status.
func (r *Store) SaveSubmission(ctx context.Context, id string, submission model.Submission, status model.InstanceStatus) error {
	sub, err := encodeJSON(submission)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update submission", `
		UPDATE document_instances SET submission_json=$1, status=$2, updated_at=$3 WHERE id=$4
	`, sub, status, time.Now().UTC(), id)
}

// SetArtifacts points the instance at a new artifact version. A nil preview
// clears the previous one so URLs always belong to the same version.
func (r *Store) SetArtifacts(ctx context.Context, id string, mergedURL string, previewURL *string, version time.Time, status model.InstanceStatus) error {
	return r.execOne(ctx, "update artifacts", `
		UPDATE document_instances
		SET merged_artifact_url=$1,
			preview_artifact_url=$2,
			artifact_version=$3,
			status=$4,
			updated_at=$5
		WHERE id=$6
	`, mergedURL, previewURL, version.UTC(), status, time.Now().UTC(), id)
}

// UpdateInstanceStatus sets the instance status.
func (r *Store) UpdateInstanceStatus(ctx context.Context, id string, status model.InstanceStatus) error {
	return r.execOne(ctx, "update instance status", `
		UPDATE document_instances SET status=$1, updated_at=$2 WHERE id=$3
	`, status, time.Now().UTC(), id)
}

// CreateSigner inserts a signer.
func (r *Store) CreateSigner(ctx context.Context, s *model.Signer) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = model.SignerPending
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO signers (id, instance_id, name, email, access_token, token_expires_at, signing_order, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.ID, s.InstanceID, s.Name, s.Email, s.AccessToken, s.TokenExpiresAt.UTC(), s.SigningOrder, s.Status)
	if err != nil {
		return fmt.Errorf("insert signer: %w", err)
	}
	return nil
}

const signerColumns = `id, instance_id, name, email, access_token, token_expires_at, signing_order, status, signature_image_url, signed_at`

// FindSignerByToken resolves a signer by access token.
func (r *Store) FindSignerByToken(ctx context.Context, token string) (*model.Signer, error) {
	s, err := scanSigner(r.pool.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE access_token=$1`, token))
	if err != nil {
		return nil, notFound("select signer", err)
	}
	return s, nil
}

// GetSigner returns a signer by id.
func (r *Store) GetSigner(ctx context.Context, id string) (*model.Signer, error) {
	s, err := scanSigner(r.pool.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE id=$1`, id))
	if err != nil {
		return nil, notFound("select signer", err)
	}
	return s, nil
}

// ListSigners returns the instance's signers ordered by signing order.
func (r *Store) ListSigners(ctx context.Context, instanceID string) ([]model.Signer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+signerColumns+` FROM signers WHERE instance_id=$1 ORDER BY signing_order`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	defer rows.Close()
	var out []model.Signer
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signer: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	return out, nil
}

// MarkFormSubmitted moves a pending signer to form_submitted. Signers in any
// other status are untouched.
func (r *Store) MarkFormSubmitted(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE signers SET status=$1 WHERE id=$2 AND status=$3`,
		model.SignerFormSubmitted, id, model.SignerPending)
	if err != nil {
		return fmt.Errorf("update signer: %w", err)
	}
	return nil
}

// MarkSigned records the signature unless the signer already signed.
func (r *Store) MarkSigned(ctx context.Context, id, imageURL string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE signers SET status=$1, signature_image_url=$2, signed_at=$3
		WHERE id=$4 AND status<>$1
	`, model.SignerSigned, imageURL, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update signer: %w", err)
	}
	return nil
}

// AppendAudit inserts an audit entry.
func (r *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	details, err := encodeJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_log (id, instance_id, signer_id, action, actor, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.InstanceID, e.SignerID, e.Action, e.Actor, details, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the instance's audit entries in insertion order.
func (r *Store) ListAudit(ctx context.Context, instanceID string) ([]model.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, instance_id, signer_id, action, actor, details, created_at
		FROM audit_log WHERE instance_id=$1 ORDER BY seq
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.SignerID, &e.Action, &e.Actor, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := decodeJSON(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}

// execOne runs an update that must touch exactly one row.
func (r *Store) execOne(ctx context.Context, op, stmt string, args ...any) error {
	tag, err := r.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return nil
}

func scanSigner(row pgx.Row) (*model.Signer, error) {
	var (
		s        model.Signer
		imageURL sql.NullString
		signedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.InstanceID, &s.Name, &s.Email, &s.AccessToken, &s.TokenExpiresAt,
		&s.SigningOrder, &s.Status, &imageURL, &signedAt); err != nil {
		return nil, err
	}
	if imageURL.Valid {
		s.SignatureImageURL = model.StringPtr(imageURL.String)
	}
	if signedAt.Valid {
		t := signedAt.Time.UTC()
		s.SignedAt = &t
	}
	return &s, nil
}

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	if string(data) == "null" {
		return "{}", nil
	}
	return string(data), nil
}

func decodeJSON[T any](data []byte, out *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
