// Package archive moves a workspace's agent session data to and from S3 as a
// gzip-compressed tarball.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/dexter/internal/workspace"
)

const (
	objectExt   = ".tar.gz"
	contentType = "application/gzip"

	metaKey        = "key"
	metaArchivedAt = "archived-at"
	metaDigest     = "blake3"
)

// ErrDigestMismatch is returned by Restore when the downloaded archive does
// not match the digest recorded at upload.
var ErrDigestMismatch = errors.New("archive digest mismatch")

// Options configures a Store.
type Options struct {
	Bucket        string
	Prefix        string
	SessionSubdir string        // directory inside the workspace that is archived
	Timeout       time.Duration // per operation; zero means no limit
	TempDir       string        // defaults to os.TempDir()
	Logger        *slog.Logger
}

// ObjectInfo describes an archived session.
type ObjectInfo struct {
	Key          string    `json:"key"`
	ObjectKey    string    `json:"object_key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ArchivedAt   time.Time `json:"archived_at,omitzero"`
	Digest       string    `json:"blake3,omitempty"`
}

// Store archives and restores session data in one bucket.
type Store struct {
	client  ObjectClient
	bucket  string
	prefix  string
	subdir  string
	timeout time.Duration
	tempDir string
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an archive Store over client.
func New(client ObjectClient, opts Options) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("archive: object client is nil")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	subdir := opts.SessionSubdir
	if subdir == "" || strings.ContainsAny(subdir, `/\`) || subdir == "." || subdir == ".." {
		return nil, fmt.Errorf("archive: invalid session subdirectory %q", subdir)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client:  client,
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		subdir:  subdir,
		timeout: opts.Timeout,
		tempDir: opts.TempDir,
		logger:  logger.With("component", "archive"),
		now:     time.Now,
	}, nil
}

// ObjectKey returns the object key for a workspace key: <prefix>/<key>.tar.gz.
func (s *Store) ObjectKey(key string) string {
	return path.Join(s.prefix, key+objectExt)
}

// Archive packages <workDir>/<session-subdir> and uploads it. It returns false
// without touching storage when that directory is absent.
func (s *Store) Archive(ctx context.Context, workDir, key string) (bool, error) {
	if err := workspace.ValidateKey(key); err != nil {
		return false, err
	}

	info, err := os.Stat(filepath.Join(workDir, s.subdir))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat session data: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tmp, err := os.CreateTemp(s.tempDir, "dexter-archive-*"+objectExt)
	if err != nil {
		return false, fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := blake3.New()
	if err := writeTarGz(io.MultiWriter(tmp, hasher), workDir, s.subdir); err != nil {
		return false, fmt.Errorf("package session %q: %w", key, err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return false, err
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	objectKey := s.ObjectKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          tmp,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			metaKey:        key,
			metaArchivedAt: s.now().UTC().Format(time.RFC3339),
			metaDigest:     digest,
		},
	})
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", objectKey, err)
	}

	s.logger.Info("session archived", "workspace_key", key, "object_key", objectKey, "size_bytes", size)
	return true, nil
}

// Exists reports whether an archive exists for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	info, err := s.Metadata(ctx, key)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// Metadata returns the archive's metadata, or nil when there is no archive.
func (s *Store) Metadata(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := workspace.ValidateKey(key); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	objectKey := s.ObjectKey(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", objectKey, err)
	}

	info := &ObjectInfo{
		Key:          key,
		ObjectKey:    objectKey,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		Digest:       out.Metadata[metaDigest],
	}
	if ts, err := time.Parse(time.RFC3339, out.Metadata[metaArchivedAt]); err == nil {
		info.ArchivedAt = ts
	}
	return info, nil
}

// Restore downloads the archive for key and extracts it into workDir, which
// is created if needed. It returns false when there is no archive or the
// object is empty.
func (s *Store) Restore(ctx context.Context, workDir, key string) (bool, error) {
	if err := workspace.ValidateKey(key); err != nil {
		return false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	objectKey := s.ObjectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("download %s: %w", objectKey, err)
	}
	if out.Body == nil {
		return false, nil
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(s.tempDir, "dexter-restore-*"+objectExt)
	if err != nil {
		return false, fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), out.Body)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", objectKey, err)
	}
	if n == 0 {
		s.logger.Warn("archive object is empty", "workspace_key", key, "object_key", objectKey)
		return false, nil
	}

	if want := out.Metadata[metaDigest]; want != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != want {
			return false, fmt.Errorf("%w: %s has %s, want %s", ErrDigestMismatch, objectKey, got, want)
		}
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return false, fmt.Errorf("create workspace for restore: %w", err)
	}
	if err := extractTarGz(tmp, workDir); err != nil {
		return false, fmt.Errorf("extract %s: %w", objectKey, err)
	}

	s.logger.Info("session restored", "workspace_key", key, "object_key", objectKey, "size_bytes", n)
	return true, nil
}

// Delete removes the archive for key. A missing archive is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := workspace.ValidateKey(key); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	objectKey := s.ObjectKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", objectKey, err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
