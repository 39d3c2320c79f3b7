package archive

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/engine/internal/models"
)

type captureUploader struct {
	input *s3.PutObjectInput
	body  []byte
}

func (c *captureUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	c.input = in
	c.body, _ = io.ReadAll(in.Body)
	return &manager.UploadOutput{}, nil
}

func TestArchiveRunLayout(t *testing.T) {
	up := &captureUploader{}
	a := &S3{bucket: "diag", prefix: "prod", uploader: up}

	finished := time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC)
	run := models.NewRun("host-1", "abc123", finished.Add(-time.Minute))
	require.NoError(t, run.Transition(models.RunCancelled, finished))

	key, err := a.ArchiveRun(context.Background(), &run)
	require.NoError(t, err)
	require.Equal(t, "prod/runs/host-1/2025/03/07/"+run.ID.String()+".json", key)
	require.Equal(t, "diag", aws.ToString(up.input.Bucket))
	require.Equal(t, "cancelled", up.input.Metadata["state"])

	var got models.Run
	require.NoError(t, json.Unmarshal(up.body, &got))
	require.Equal(t, run.ID, got.ID)
	require.Len(t, got.Stages, len(models.StageOrder))
}
