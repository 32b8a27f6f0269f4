package deadletter

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tasktrack/internal/config"
)

// S3Archiver writes dead-letter payloads to an S3 bucket for long-term
// retention beyond the database table.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds the archiver from config. Returns (nil, nil) when no
// bucket is configured.
func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.DeadLetterBucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.DeadLetterS3Region),
	}
	if cfg.DeadLetterS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.DeadLetterS3Endpoint,
					HostnameImmutable: cfg.DeadLetterS3PathStyle,
					SigningRegion:     cfg.DeadLetterS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.DeadLetterS3PathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.DeadLetterBucket}, nil
}

// Archive stores the payload under the given key.
func (a *S3Archiver) Archive(ctx context.Context, key string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
