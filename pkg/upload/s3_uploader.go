package upload

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	bucketName string
	key        string
	client     S3Client
}

func NewS3Uploader(dstPath string, cfg aws.Config) (*S3Uploader, error) {
	// Remove the "s3://" prefix if it exists.
	dstPath = strings.TrimPrefix(dstPath, "s3://")

	// Separate the bucket name and key
	index := strings.Index(dstPath, "/")
	if index == -1 {
		return nil, fmt.Errorf("invalid S3 path: %s", dstPath)
	}
	bucketName := dstPath[:index]
	key := strings.Trim(dstPath[index+1:], "/")

	return &S3Uploader{
		client:     s3.NewFromConfig(cfg),
		bucketName: bucketName,
		key:        key,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body io.ReadSeeker) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucketName),
		Key:         aws.String(path.Join(u.key, key)),
		Body:        body,
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3, %w", key, err)
	}

	return nil
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".sql":
		return "application/sql"
	case ".parquet":
		return "application/vnd.apache.parquet"
	}

	return "application/octet-stream"
}
