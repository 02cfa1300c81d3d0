package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/logging"
)

// S3Options configures an S3-compatible bucket used as the document store
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
	// PollInterval is how often Subscribe checks the object ETag
	PollInterval time.Duration
}

// S3Store stores every document as a JSON object under <prefix><uid>/<path>.json.
// Subscriptions poll the object ETag.
type S3Store struct {
	client *s3.Client
	opts   S3Options
	log    *logrus.Entry
}

// NewS3Store builds an S3 client from opts
func NewS3Store(ctx context.Context, opts S3Options, logger *logrus.Logger) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is empty")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	loadOptions := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOptions = append(loadOptions, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &S3Store{client: client, opts: opts, log: logging.Component(logger, "remote.s3")}, nil
}

func (s *S3Store) objectKey(uid, path string) (string, error) {
	id, err := documentID(uid, path)
	if err != nil {
		return "", err
	}
	return s.opts.Prefix + id + ".json", nil
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("read s3://%s/%s: %w", s.opts.Bucket, key, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read s3://%s/%s payload: %w", s.opts.Bucket, key, err)
	}
	return payload, normalizeETag(resp.ETag), nil
}

// Get returns the document at path
func (s *S3Store) Get(ctx context.Context, uid, path string) ([]byte, error) {
	key, err := s.objectKey(uid, path)
	if err != nil {
		return nil, err
	}
	doc, _, err := s.getObject(ctx, key)
	return doc, err
}

// Set writes the document. Merge reads the current object first; S3 has no
// partial update.
func (s *S3Store) Set(ctx context.Context, uid, path string, doc []byte, merge bool) error {
	key, err := s.objectKey(uid, path)
	if err != nil {
		return err
	}
	if err := validDocument(doc); err != nil {
		return err
	}

	if merge {
		current, _, err := s.getObject(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if doc, err = MergeJSON(current, doc); err != nil {
			return err
		}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("write s3://%s/%s: %w", s.opts.Bucket, key, err)
	}
	return nil
}

// Delete removes the document at path
func (s *S3Store) Delete(ctx context.Context, uid, path string) error {
	key, err := s.objectKey(uid, path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete s3://%s/%s: %w", s.opts.Bucket, key, err)
	}
	return nil
}

// Subscribe polls the object and delivers it whenever its ETag changes
func (s *S3Store) Subscribe(ctx context.Context, uid, path string) (<-chan []byte, error) {
	key, err := s.objectKey(uid, path)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		lastETag := ""
		for {
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.opts.Bucket),
				Key:    aws.String(key),
			})
			switch {
			case err == nil && normalizeETag(head.ETag) != lastETag:
				doc, etag, getErr := s.getObject(ctx, key)
				if getErr != nil {
					s.log.WithError(getErr).WithField("path", path).Debug("poll read failed")
					break
				}
				lastETag = etag
				select {
				case out <- doc:
				case <-ctx.Done():
					return
				}
			case err != nil && !isS3NotFound(err) && ctx.Err() == nil:
				s.log.WithError(err).WithField("path", path).Debug("poll failed")
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// Ping checks the bucket is reachable
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.opts.Bucket, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need releasing
func (s *S3Store) Close(ctx context.Context) error {
	return nil
}

func normalizeETag(etag *string) string {
	return strings.Trim(strings.TrimSpace(aws.ToString(etag)), "\"")
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := strings.TrimSpace(apiErr.ErrorCode())
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}
