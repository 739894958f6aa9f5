// Package docstore keeps versioned artifact paths. Every generation writes under
// a fresh {instanceId}/v{unixMillis}/ prefix so earlier versions are never
// overwritten; only the instance's pointer to the current version moves.
package docstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Artifact names used by the execution pipeline.
const (
	MergedArtifact  = "merged.html"
	PreviewArtifact = "preview.pdf"
)

// Blob is the outbound blob storage contract.
type Blob interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	PublicURL(path string) string
}

// Version identifies one generation of an instance's artifacts.
type Version struct {
	InstanceID string
	At         time.Time
}

// Millis is the version's unix millisecond stamp.
func (v Version) Millis() int64 { return v.At.UnixMilli() }

// Path returns the blob path of name inside this version.
func (v Version) Path(name string) string {
	return fmt.Sprintf("%s/v%d/%s", v.InstanceID, v.Millis(), name)
}

// Store writes artifacts into versioned paths.
type Store struct {
	Blob Blob
	Now  func() time.Time
}

// New constructs a Store.
func New(blob Blob) *Store {
	return &Store{Blob: blob, Now: time.Now}
}

// NewVersion starts a version stamped with the current time truncated to the
// millisecond so the stamp survives a round trip through the path.
func (s *Store) NewVersion(instanceID string) Version {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Version{InstanceID: instanceID, At: now().UTC().Truncate(time.Millisecond)}
}

// Put uploads data as name within v and returns its public URL.
func (s *Store) Put(ctx context.Context, v Version, name string, data []byte, contentType string) (string, error) {
	path := v.Path(name)
	if err := s.Blob.Upload(ctx, path, data, contentType); err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	return s.Blob.PublicURL(path), nil
}

// Get downloads an arbitrary path, such as a template source.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.Blob.Download(ctx, strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return data, nil
}

// ParsePath splits a versioned path into its version and artifact name.
func ParsePath(path string) (Version, string, error) {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) != 3 || parts[0] == "" || !strings.HasPrefix(parts[1], "v") || parts[2] == "" {
		return Version{}, "", fmt.Errorf("not a versioned path: %q", path)
	}
	var ms int64
	if _, err := fmt.Sscanf(parts[1], "v%d", &ms); err != nil {
		return Version{}, "", fmt.Errorf("bad version segment %q: %w", parts[1], err)
	}
	return Version{InstanceID: parts[0], At: time.UnixMilli(ms).UTC()}, parts[2], nil
}
