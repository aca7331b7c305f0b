package transparency

import (
	"bytes"
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sonet/e2ee/internal/e2eerrors"
)

// MinioArchiver archives truncated log batches to object storage,
// grounded on internal/media/presigned.go's minio.New/BucketExists/
// MakeBucket setup and internal/handlers/media_handlers.go's PutObject
// call shape.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinioArchiver connects to endpoint and ensures bucket exists.
func NewMinioArchiver(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioArchiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, e2eerrors.New("transparency.NewMinioArchiver", e2eerrors.KindUnknown, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, e2eerrors.New("transparency.NewMinioArchiver", e2eerrors.KindUnknown, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, e2eerrors.New("transparency.NewMinioArchiver", e2eerrors.KindUnknown, err)
		}
	}

	return &MinioArchiver{client: client, bucket: bucket}, nil
}

// Archive uploads data as objectName, implementing the Archiver interface.
func (a *MinioArchiver) Archive(ctx context.Context, objectName string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return e2eerrors.New("transparency.Archive", e2eerrors.KindUnknown, err)
	}
	return nil
}
