// Package upload copies dump files and manifests to a secondary destination.
package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/block/lomig/pkg/destinations"
	"github.com/spf13/afero"
)

// Uploader stores body under key, a slash separated path relative to the
// destination root.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.ReadSeeker) error
}
type ConfigLoader func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error)

func NewUploader(ctx context.Context, tp string, dstPath string, fs afero.Fs, loader ConfigLoader) (Uploader, error) {
	if tp == destinations.LocalDir.String() {
		return NewFileUploader(fs, dstPath), nil
	} else if tp == destinations.S3.String() {
		cfg, err := loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load AWS SDK config, %w", err)
		}
		s3up, err := NewS3Uploader(dstPath, cfg)
		if err != nil {
			return nil, err
		}

		return s3up, nil
	}

	return nil, fmt.Errorf("unsupported destination type: %s", tp)
}
