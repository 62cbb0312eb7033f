package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Mirror keeps an off-host copy of each resource's current backup.
type Mirror interface {
	Upload(ctx context.Context, resource, name string, data []byte) error
	// Download returns ErrNoBackup when the object does not exist.
	Download(ctx context.Context, resource, name string) ([]byte, error)
}

// S3Mirror stores backups in an S3-compatible bucket under
// {prefix}/{resource}/{name}.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// ValidateMirror checks that mirror settings are usable.
func ValidateMirror(cfg config.MirrorSettings) error {
	if cfg.Bucket == "" {
		return errors.New("s3 mirror: bucket is required")
	}
	if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
		return errors.New("s3 mirror: access key and secret key must be set together")
	}
	return nil
}

// NewS3Mirror builds a mirror client. Static credentials are used when both
// keys are configured, otherwise the default AWS credential chain applies.
func NewS3Mirror(ctx context.Context, cfg config.MirrorSettings) (*S3Mirror, error) {
	if err := ValidateMirror(cfg); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: load config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" {
			endpoint = "https://" + endpoint
		}
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (m *S3Mirror) key(resource, name string) string {
	return path.Join(m.prefix, resource, name)
}

// Upload implements Mirror.
func (m *S3Mirror) Upload(ctx context.Context, resource, name string, data []byte) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(m.key(resource, name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("s3 mirror: put %s: %w", m.key(resource, name), err)
	}
	return nil
}

// Download implements Mirror.
func (m *S3Mirror) Download(ctx context.Context, resource, name string) ([]byte, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(resource, name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNoBackup
		}
		return nil, fmt.Errorf("s3 mirror: get %s: %w", m.key(resource, name), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: read %s: %w", m.key(resource, name), err)
	}
	return data, nil
}
