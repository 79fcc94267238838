// Package s3 archives dead letters in an S3-compatible bucket (AWS S3 or MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"garagecore/internal/blob/core"
)

// Object metadata keys reserved by the archive. S3 lowercases metadata keys,
// so labels should be lowercase too.
const (
	metaChecksum   = "garage-checksum"
	metaArchivedAt = "garage-archived-at"
)

// Store is a core.Archive over one bucket; keys are object keys.
type Store struct {
	client *s3.Client
	bucket string
}

// Config holds construction parameters. Credentials fall back to the default
// AWS chain when AccessKeyID is empty.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
	HTTPClient      *http.Client
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 archive: bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverS3 }

// Write uses a conditional put (If-None-Match: *) so a second writer of the
// same key gets ErrExists instead of overwriting.
func (s *Store) Write(ctx context.Context, key string, doc []byte, labels map[string]string) (core.Record, error) {
	key, err := core.CheckKey(key)
	if err != nil {
		return core.Record{}, err
	}
	rec := core.Record{
		Key:        key,
		Labels:     core.CloneLabels(labels),
		Size:       int64(len(doc)),
		Checksum:   core.Checksum(doc),
		ArchivedAt: time.Now().UTC().Truncate(time.Second),
	}
	meta := core.CloneLabels(labels)
	if meta == nil {
		meta = make(map[string]string, 2)
	}
	meta[metaChecksum] = rec.Checksum
	meta[metaArchivedAt] = strconv.FormatInt(rec.ArchivedAt.Unix(), 10)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
		Metadata:    meta,
	})
	if err != nil {
		return core.Record{}, mapError(key, err)
	}
	return rec, nil
}

func (s *Store) Read(ctx context.Context, key string) (core.Record, []byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return core.Record{}, nil, mapError(key, err)
	}
	defer func() { _ = out.Body.Close() }()
	doc, err := io.ReadAll(out.Body)
	if err != nil {
		return core.Record{}, nil, fmt.Errorf("read %s: %w", key, err)
	}
	rec := recordFromMetadata(key, out.Metadata, out.LastModified)
	rec.Size = int64(len(doc))
	return rec, doc, nil
}

// Remove reports false when the key was already absent; S3 deletes are
// idempotent, so a Head decides.
func (s *Store) Remove(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		err = mapError(key, err)
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return false, err
	}
	return true, nil
}

// Scan lists keys only; labels and checksums come back from Read.
func (s *Store) Scan(ctx context.Context, prefix string) ([]core.Record, error) {
	var out []core.Record
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, core.Record{
				Key:        aws.ToString(obj.Key),
				Size:       aws.ToInt64(obj.Size),
				ArchivedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func recordFromMetadata(key string, meta map[string]string, lastModified *time.Time) core.Record {
	rec := core.Record{Key: key, ArchivedAt: aws.ToTime(lastModified)}
	for k, v := range meta {
		switch k {
		case metaChecksum:
			rec.Checksum = v
		case metaArchivedAt:
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				rec.ArchivedAt = time.Unix(secs, 0).UTC()
			}
		default:
			if rec.Labels == nil {
				rec.Labels = make(map[string]string, len(meta))
			}
			rec.Labels[k] = v
		}
	}
	return rec
}

func mapError(key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	var resp *awshttp.ResponseError
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return fmt.Errorf("%s: %w", key, core.ErrNotFound)
	case errors.As(err, &resp):
		switch resp.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", key, core.ErrNotFound)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%s: %w", key, core.ErrExists)
		}
	}
	return err
}
