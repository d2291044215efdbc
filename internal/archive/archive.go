// Package archive writes completed strategies to durable object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/models"
)

// Record is the document archived for one finished job.
type Record struct {
	Job          models.Job           `json:"job"`
	Strategy     *models.Strategy     `json:"strategy,omitempty"`
	RankedVenues []models.RankedVenue `json:"ranked_venues"`
	ArchivedAt   time.Time            `json:"archived_at"`
}

// Archiver stores a record and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, rec Record) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ObjectArchiver serializes records and hands them to an uploader.
type ObjectArchiver struct {
	up uploader
}

// New chooses S3 when a bucket is configured, else a local directory. It
// returns nil when neither is set.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &ObjectArchiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	case cfg.ArchiveDir != "":
		return NewLocal(cfg.ArchiveDir), nil
	default:
		return nil, nil
	}
}

// NewLocal archives under baseDir.
func NewLocal(baseDir string) *ObjectArchiver {
	return &ObjectArchiver{up: &localUploader{baseDir: baseDir}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Key returns the object key for a job's record.
func Key(snapshotID, jobID string) string {
	return path.Join("strategies", sanitizeSegment(snapshotID), sanitizeSegment(jobID)+".json")
}

// Archive implements Archiver.
func (a *ObjectArchiver) Archive(ctx context.Context, rec Record) (string, error) {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	if rec.RankedVenues == nil {
		rec.RankedVenues = []models.RankedVenue{}
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	loc, err := a.up.Upload(ctx, Key(rec.Job.SnapshotID, rec.Job.ID), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
