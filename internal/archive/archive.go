// Package archive stores the diagnostics of finished runs in object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dockhand/engine/internal/models"
)

// Archiver keeps a copy of a terminal run outside the database, so the record
// survives the retention janitor.
type Archiver interface {
	ArchiveRun(ctx context.Context, run *models.Run) (string, error)
}

// Nop archives nothing.
type Nop struct{}

func (Nop) ArchiveRun(context.Context, *models.Run) (string, error) { return "", nil }

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 writes runs as JSON to s3://<bucket>/<prefix>/runs/<target>/YYYY/MM/DD/<run id>.json.
type S3 struct {
	bucket   string
	prefix   string
	uploader uploader
}

func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3{bucket: bucket, prefix: prefix, uploader: manager.NewUploader(s3.NewFromConfig(cfg))}, nil
}

var _ Archiver = (*S3)(nil)

// Key returns the object key for run.
func (s *S3) Key(run *models.Run) string {
	ts := run.CreatedAt.UTC()
	if run.FinishedAt != nil {
		ts = run.FinishedAt.UTC()
	}
	return path.Join(s.prefix, "runs", run.Target,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
		run.ID.String()+".json",
	)
}

func (s *S3) ArchiveRun(ctx context.Context, run *models.Run) (string, error) {
	body, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}
	key := s.Key(run)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"target": run.Target,
			"state":  string(run.State),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
