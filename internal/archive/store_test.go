package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedObject struct {
	body     []byte
	metadata map[string]string
	modified time.Time
}

// memClient is an in-memory ObjectClient.
type memClient struct {
	mu      sync.Mutex
	objects map[string]storedObject
	block   bool // block every call until ctx is done
	putErr  error
}

func newMemClient() *memClient {
	return &memClient{objects: make(map[string]storedObject)}
}

func (m *memClient) wait(ctx context.Context) error {
	if !m.block {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *memClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = storedObject{
		body:     body,
		metadata: in.Metadata,
		modified: time.Now().UTC(),
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *memClient) get(bucket, key *string) (storedObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[aws.ToString(bucket)+"/"+aws.ToString(key)]
	return obj, ok
}

func (m *memClient) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	obj, ok := m.get(in.Bucket, in.Key)
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.body))),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.metadata,
	}, nil
}

func (m *memClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	obj, ok := m.get(in.Bucket, in.Key)
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.body)),
		Metadata: obj.metadata,
	}, nil
}

func (m *memClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func newTestStore(t *testing.T, client ObjectClient) (*Store, string) {
	t.Helper()
	tempDir := t.TempDir()
	store, err := New(client, Options{
		Bucket:        "dexter-test",
		Prefix:        "sessions/",
		SessionSubdir: ".claude",
		Timeout:       time.Second,
		TempDir:       tempDir,
	})
	require.NoError(t, err)
	return store, tempDir
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files leaked")
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()
	store, tempDir := newTestStore(t, client)

	workDir := filepath.Join(t.TempDir(), "DXTR-123")
	sessionDir := filepath.Join(workDir, ".claude")
	require.NoError(t, os.MkdirAll(filepath.Join(sessionDir, "nested"), 0o755))
	content := []byte(`{"role":"user","content":"fix the flaky test"}` + "\n")
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "session.jsonl"), content, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "nested", "notes.md"), []byte("n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "main.go"), []byte("package main"), 0o644))

	archived, err := store.Archive(ctx, workDir, "DXTR-123")
	require.NoError(t, err)
	assert.True(t, archived)
	assertNoTempFiles(t, tempDir)

	_, ok := client.objects["dexter-test/sessions/DXTR-123.tar.gz"]
	require.True(t, ok, "object stored under <prefix>/<key>.tar.gz")

	info, err := store.Metadata(ctx, "DXTR-123")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "sessions/DXTR-123.tar.gz", info.ObjectKey)
	assert.NotZero(t, info.Size)
	assert.False(t, info.ArchivedAt.IsZero())
	assert.Len(t, info.Digest, 64)

	require.NoError(t, os.RemoveAll(workDir))

	restored, err := store.Restore(ctx, workDir, "DXTR-123")
	require.NoError(t, err)
	assert.True(t, restored)
	assertNoTempFiles(t, tempDir)

	got, err := os.ReadFile(filepath.Join(sessionDir, "session.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.FileExists(t, filepath.Join(sessionDir, "nested", "notes.md"))
	assert.NoFileExists(t, filepath.Join(workDir, "main.go"), "only session data is archived")
}

func TestArchiveWithoutSessionData(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()
	store, _ := newTestStore(t, client)

	workDir := t.TempDir()
	archived, err := store.Archive(ctx, workDir, "EMPTY-1")
	require.NoError(t, err)
	assert.False(t, archived)

	// A file where the session directory should be is not session data.
	require.NoError(t, os.WriteFile(filepath.Join(workDir, ".claude"), []byte("x"), 0o644))
	archived, err = store.Archive(ctx, workDir, "EMPTY-1")
	require.NoError(t, err)
	assert.False(t, archived)
	assert.Empty(t, client.objects)
}

func TestNotFoundIsNormalized(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, newMemClient())

	ok, err := store.Exists(ctx, "MISSING-1")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := store.Metadata(ctx, "MISSING-1")
	require.NoError(t, err)
	assert.Nil(t, info)

	workDir := filepath.Join(t.TempDir(), "MISSING-1")
	restored, err := store.Restore(ctx, workDir, "MISSING-1")
	require.NoError(t, err)
	assert.False(t, restored)

	require.NoError(t, store.Delete(ctx, "MISSING-1"))
}

func TestRestoreEmptyObject(t *testing.T) {
	client := newMemClient()
	client.objects["dexter-test/sessions/HOLLOW-1.tar.gz"] = storedObject{}
	store, tempDir := newTestStore(t, client)

	restored, err := store.Restore(context.Background(), filepath.Join(t.TempDir(), "w"), "HOLLOW-1")
	require.NoError(t, err)
	assert.False(t, restored)
	assertNoTempFiles(t, tempDir)
}

func TestRestoreRejectsDigestMismatch(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()
	store, _ := newTestStore(t, client)

	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, ".claude", "session.jsonl"), []byte("{}"), 0o644))
	_, err := store.Archive(ctx, workDir, "TAMPER-1")
	require.NoError(t, err)

	obj := client.objects["dexter-test/sessions/TAMPER-1.tar.gz"]
	obj.metadata = map[string]string{metaDigest: strings.Repeat("0", 64)}
	client.objects["dexter-test/sessions/TAMPER-1.tar.gz"] = obj

	_, err = store.Restore(ctx, filepath.Join(t.TempDir(), "TAMPER-1"), "TAMPER-1")
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestArchiveTimeoutCleansTempFile(t *testing.T) {
	client := newMemClient()
	client.block = true
	tempDir := t.TempDir()
	store, err := New(client, Options{
		Bucket:        "dexter-test",
		SessionSubdir: ".claude",
		Timeout:       20 * time.Millisecond,
		TempDir:       tempDir,
	})
	require.NoError(t, err)

	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, ".claude"), 0o755))

	_, err = store.Archive(context.Background(), workDir, "SLOW-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assertNoTempFiles(t, tempDir)
}

func TestArchiveUploadFailureCleansTempFile(t *testing.T) {
	client := newMemClient()
	client.putErr = errors.New("access denied")
	store, tempDir := newTestStore(t, client)

	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, ".claude"), 0o755))

	_, err := store.Archive(context.Background(), workDir, "DENIED-1")
	require.Error(t, err)
	assertNoTempFiles(t, tempDir)
}

func TestInvalidKeysRejected(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()
	store, _ := newTestStore(t, client)

	_, err := store.Archive(ctx, t.TempDir(), "../escape")
	assert.Error(t, err)
	_, err = store.Restore(ctx, t.TempDir(), "a/b")
	assert.Error(t, err)
	assert.Error(t, store.Delete(ctx, ".."))
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "modeled not found", err: &s3types.NotFound{}, want: true},
		{name: "modeled no such key", err: &s3types.NoSuchKey{}, want: true},
		{name: "generic api code", err: &smithy.GenericAPIError{Code: "NoSuchKey"}, want: true},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}
