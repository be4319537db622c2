// Package blob reads the documents to ship from S3.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/BadgerOps/dmfship/internal/apperr"
	"github.com/BadgerOps/dmfship/internal/config"
)

// GetObjectAPI is the part of the S3 client the source uses.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source streams objects out of S3.
type Source struct {
	api GetObjectAPI
}

// NewSource wraps an S3 client.
func NewSource(api GetObjectAPI) *Source {
	return &Source{api: api}
}

// NewS3Client builds an S3 client from the default AWS credential chain
// and the storage settings.
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Open returns the body of bucket/key. The caller closes it. A missing
// object yields an error matching apperr.ErrNotFound.
func (s *Source) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	const op = "get object"

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.New(op, apperr.ErrNotFound, fmt.Errorf("s3://%s/%s", bucket, key))
		}
		return nil, apperr.New(op, apperr.ErrTransferIO, fmt.Errorf("s3://%s/%s: %w", bucket, key, err))
	}
	return out.Body, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
