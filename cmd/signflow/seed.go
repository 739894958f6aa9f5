package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// caseFile describes one document case to seed:
//
//	template:
//	  id: nda
//	  source_file: ./nda.html
//	signers:
//	  - name: Ana
//	    email: ana@example.com
//	    order: 1
type caseFile struct {
	Template struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		SourceFile  string `yaml:"source_file"`
		PreviewBody string `yaml:"preview_body"`
	} `yaml:"template"`
	Instance struct {
		ID string `yaml:"id"`
	} `yaml:"instance"`
	Signers []struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
		Order int    `yaml:"order"`
	} `yaml:"signers"`
}

func parseCase(data []byte) (*caseFile, error) {
	var c caseFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse case file: %w", err)
	}
	if c.Template.ID == "" {
		return nil, errors.New("template.id is required")
	}
	if c.Template.SourceFile == "" && c.Template.PreviewBody == "" {
		return nil, errors.New("template needs source_file or preview_body")
	}
	if len(c.Signers) == 0 {
		return nil, errors.New("at least one signer is required")
	}
	seen := map[int]bool{}
	for i, s := range c.Signers {
		if s.Order <= 0 {
			c.Signers[i].Order = i + 1
		}
		if seen[c.Signers[i].Order] {
			return nil, fmt.Errorf("signing order %d used twice", c.Signers[i].Order)
		}
		seen[c.Signers[i].Order] = true
	}
	return &c, nil
}

type seedStore interface {
	GetTemplate(ctx context.Context, id string) (*model.FormTemplate, error)
	CreateTemplate(ctx context.Context, t *model.FormTemplate) error
	CreateInstance(ctx context.Context, inst *model.DocumentInstance) error
	CreateSigner(ctx context.Context, s *model.Signer) error
}

type uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
}

type tokenIssuer interface {
	Issue() (string, error)
}

type seeder struct {
	store  seedStore
	blob   uploader
	tokens tokenIssuer
	ttl    time.Duration
	now    func() time.Time
	// baseDir resolves relative source_file paths.
	baseDir string
}

type seeded struct {
	Instance model.DocumentInstance
	Signers  []model.Signer
}

func (s seeder) seed(ctx context.Context, c *caseFile) (*seeded, error) {
	if _, err := s.store.GetTemplate(ctx, c.Template.ID); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		tpl := &model.FormTemplate{ID: c.Template.ID, Name: c.Template.Name, PreviewBody: c.Template.PreviewBody}
		if c.Template.SourceFile != "" {
			path, err := s.uploadSource(ctx, c.Template.ID, c.Template.SourceFile)
			if err != nil {
				return nil, err
			}
			tpl.SourcePath = path
		}
		if err := s.store.CreateTemplate(ctx, tpl); err != nil {
			return nil, err
		}
	}

	inst := model.DocumentInstance{ID: c.Instance.ID, TemplateID: c.Template.ID}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if err := s.store.CreateInstance(ctx, &inst); err != nil {
		return nil, err
	}
	out := &seeded{Instance: inst}
	for _, cs := range c.Signers {
		token, err := s.tokens.Issue()
		if err != nil {
			return nil, err
		}
		signer := model.Signer{
			ID:             uuid.NewString(),
			InstanceID:     inst.ID,
			Name:           cs.Name,
			Email:          cs.Email,
			AccessToken:    token,
			TokenExpiresAt: s.now().Add(s.ttl).UTC(),
			SigningOrder:   cs.Order,
		}
		if err := s.store.CreateSigner(ctx, &signer); err != nil {
			return nil, err
		}
		out.Signers = append(out.Signers, signer)
	}
	return out, nil
}

func (s seeder) uploadSource(ctx context.Context, templateID, file string) (string, error) {
	if !filepath.IsAbs(file) && s.baseDir != "" {
		file = filepath.Join(s.baseDir, file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read template source: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	path := fmt.Sprintf("templates/%s/%s", templateID, filepath.Base(file))
	if err := s.blob.Upload(ctx, path, data, contentType); err != nil {
		return "", err
	}
	return path, nil
}
