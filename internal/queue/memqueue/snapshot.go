package memqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// SnapshotStore persists the serialized state of one queue.
type SnapshotStore interface {
	// Load returns the last saved snapshot, or nil, nil when none exists.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// FileSnapshotStore keeps the snapshot in a single local file.
type FileSnapshotStore struct {
	Path string
}

func (s *FileSnapshotStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", s.Path, err)
	}
	return data, nil
}

// Save writes to a temp file in the same directory and renames it over the
// target, so readers see either the old snapshot or the new one.
func (s *FileSnapshotStore) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// S3Config configures an S3-compatible snapshot store.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Key       string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3SnapshotStore keeps the snapshot as one object in an S3-compatible bucket.
type S3SnapshotStore struct {
	client *minio.Client
	bucket string
	key    string
}

// NewS3SnapshotStore connects a minio client. It does not contact the server.
func NewS3SnapshotStore(cfg S3Config) (*S3SnapshotStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return &S3SnapshotStore{client: client, bucket: cfg.Bucket, key: cfg.Key}, nil
}

func (s *S3SnapshotStore) Load(ctx context.Context) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting snapshot object: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot object: %w", err)
	}
	return data, nil
}

func (s *S3SnapshotStore) Save(ctx context.Context, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("putting snapshot object: %w", err)
	}
	return nil
}

// snapshot is the on-disk layout. Jobs are stored as [id, job] pairs.
type snapshot struct {
	Jobs        []snapshotEntry `json:"jobs"`
	WaitingJobs []string        `json:"waitingJobs"`
	Stats       queue.Counters  `json:"stats"`
	JobCounter  int64           `json:"jobCounter"`
	Paused      bool            `json:"paused,omitempty"`
}

type snapshotEntry struct {
	ID  string
	Job *queue.Job
}

func (e snapshotEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.ID, e.Job})
}

func (e *snapshotEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("snapshot entry has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return fmt.Errorf("snapshot entry id: %w", err)
	}
	e.Job = new(queue.Job)
	if err := json.Unmarshal(pair[1], e.Job); err != nil {
		return fmt.Errorf("snapshot entry %s: %w", e.ID, err)
	}
	return nil
}
