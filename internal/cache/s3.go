package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config locates the bucket holding a shared cache. Any S3-compatible
// service works (R2, MinIO, ...) when Endpoint is set.
type S3Config struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps both index entries and artifacts in one bucket:
// <prefix>/index/<key>.json and <prefix>/artifacts/<name>.
type S3Store struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 cache: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Store{Client: client, Bucket: cfg.Bucket, Prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3Store) objectKey(parts ...string) string {
	return path.Join(append([]string{s.Prefix}, parts...)...)
}

func (s *S3Store) indexKey(k Key) string {
	return s.objectKey("index", k.String()+".json")
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

func (s *S3Store) download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) readEntry(ctx context.Context, key string) (Entry, bool, error) {
	data, err := s.download(ctx, key)
	if isNotFound(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return e, true, nil
}

func (s *S3Store) Get(ctx context.Context, key Key) (Entry, bool, error) {
	return s.readEntry(ctx, s.indexKey(key))
}

// Put refuses to overwrite: an existing object is returned as-is, and the
// upload itself is conditional on the key being absent.
func (s *S3Store) Put(ctx context.Context, e Entry) (Entry, bool, error) {
	key := s.indexKey(e.Key)
	if existing, ok, err := s.readEntry(ctx, key); err != nil {
		return Entry{}, false, err
	} else if ok {
		return existing, false, nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, err
	}
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		IfNoneMatch:   aws.String("*"),
	})
	if isPreconditionFailed(err) {
		existing, ok, err := s.readEntry(ctx, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return existing, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache entry %s: conditional write lost but entry is missing", e.Key)
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to upload cache entry: %w", err)
	}
	return e, true, nil
}

func (s *S3Store) List(ctx context.Context, pkg, version string) ([]Entry, error) {
	p := s.objectKey("index", segment(pkg)) + "/"
	if version != "" {
		p = s.objectKey("index", prefix(pkg, version)) + "/"
	}

	var out []Entry
	paginator := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(p),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list cache entries: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			e, ok, err := s.readEntry(ctx, key)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *S3Store) location(key string) string {
	return "s3://" + s.Bucket + "/" + key
}

func (s *S3Store) parseLocation(loc string) (string, error) {
	rest, ok := strings.CutPrefix(loc, "s3://"+s.Bucket+"/")
	if !ok {
		return "", fmt.Errorf("location %q is not in bucket %s", loc, s.Bucket)
	}
	return rest, nil
}

// PutBlob uploads an artifact under <prefix>/artifacts.
func (s *S3Store) PutBlob(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	key := s.objectKey("artifacts", name)
	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	return s.location(key), nil
}

func (s *S3Store) OpenBlob(ctx context.Context, location string) (io.ReadCloser, error) {
	key, err := s.parseLocation(location)
	if err != nil {
		return nil, err
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *S3Store) DeleteBlob(ctx context.Context, location string) error {
	key, err := s.parseLocation(location)
	if err != nil {
		return err
	}
	_, err = s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	return err
}

// Blobs returns the artifact side of the bucket.
func (s *S3Store) Blobs() Blobs { return s3Blobs{s} }

type s3Blobs struct{ s *S3Store }

func (b s3Blobs) Put(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	return b.s.PutBlob(ctx, name, r, size)
}

func (b s3Blobs) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	return b.s.OpenBlob(ctx, location)
}

func (b s3Blobs) Delete(ctx context.Context, location string) error {
	return b.s.DeleteBlob(ctx, location)
}
