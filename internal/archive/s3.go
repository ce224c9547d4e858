package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/cenkalti/backoff/v4"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/httputil"
	"github.com/lox/neuralda/internal/logger"
)

// S3Config describes an object-store copy of the archive. Endpoint is set
// for S3-compatible stores such as MinIO or Garage, which also need path
// style addressing.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// Timeout bounds one download. Zero uses the client default.
	Timeout time.Duration
	// MaxElapsed bounds the total retry time per state.
	MaxElapsed time.Duration
}

// S3 fetches states from an S3 bucket.
type S3 struct {
	cfg    S3Config
	grid   field.Grid
	client *s3.S3
}

func NewS3(cfg S3Config, g field.Grid) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = 5 * time.Minute
	}
	// Retries are driven by backoff in state, not by the SDK.
	c := &aws.Config{
		Region:     aws.String(cfg.Region),
		HTTPClient: httputil.NewClient(cfg.Timeout),
		MaxRetries: aws.Int(0),
	}
	if cfg.AccessKey != "" {
		c.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		c.Credentials = credentials.NewEnvCredentials()
	}
	if cfg.Endpoint != "" {
		c.Endpoint = aws.String(cfg.Endpoint)
		c.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(c)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return &S3{cfg: cfg, grid: g, client: s3.New(sess)}, nil
}

func (s *S3) State(ctx context.Context, t time.Time) (*field.Field, error) {
	start := time.Now()
	out, err := s.state(ctx, t)
	observe("s3", start, err)
	return out, err
}

func (s *S3) state(ctx context.Context, t time.Time) (*field.Field, error) {
	key := path.Join(s.cfg.Prefix, Key(t))
	var out *field.Field
	operation := func() error {
		resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var aerr awserr.Error
			if errors.As(err, &aerr) {
				switch aerr.Code() {
				case s3.ErrCodeNoSuchKey, "NotFound":
					return backoff.Permanent(fmt.Errorf("s3://%s/%s: %w", s.cfg.Bucket, key, ErrNotFound))
				case s3.ErrCodeNoSuchBucket, "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
					return backoff.Permanent(fmt.Errorf("get object: %w", err))
				}
			}
			return fmt.Errorf("get object: %w", err)
		}
		defer resp.Body.Close()

		decoded, err := decodeStream(resp.Body, s.grid)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("s3://%s/%s: %w", s.cfg.Bucket, key, err))
		}
		out = decoded
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.cfg.MaxElapsed
	notify := func(err error, wait time.Duration) {
		logger.Log.Warnf("archive: s3 %s: %v, retrying in %s", key, err, wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return out, nil
}
