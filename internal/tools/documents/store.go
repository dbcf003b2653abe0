// Package documents retrieves clinical reference documents from an
// S3-compatible bucket.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	// MaxListKeys bounds list_documents.
	MaxListKeys = 100
	// MaxDocumentBytes bounds the text returned by get_document.
	MaxDocumentBytes = 256 << 10
	// TruncationMarker is appended to documents cut at MaxDocumentBytes.
	TruncationMarker = "\n[... truncated ...]"
)

var (
	// ErrNotFound is returned for a missing key.
	ErrNotFound = errors.New("document not found")
	// ErrNotText is returned for objects that are not UTF-8 text.
	ErrNotText = errors.New("document is not text")
)

// Config configures the S3 client.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// Store reads documents under a bucket prefix.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// DocumentInfo describes a listed object. Keys are relative to the
// configured prefix.
type DocumentInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// Document is the text of one object.
type Document struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Truncated   bool   `json:"truncated"`
	Content     string `json:"content"`
}

// NewStore creates an S3-backed document store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// List returns up to MaxListKeys documents whose relative key starts with
// prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]DocumentInfo, error) {
	full := s.objectKey(strings.TrimLeft(prefix, "/"))
	if prefix == "" && s.prefix != "" {
		full = s.prefix + "/"
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &s.bucket,
		Prefix:  aws.String(full),
		MaxKeys: aws.Int32(MaxListKeys),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list objects: %w", err)
	}

	docs := make([]DocumentInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/") {
			continue
		}
		info := DocumentInfo{Key: s.relativeKey(key), Size: aws.ToInt64(obj.Size)}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		docs = append(docs, info)
		if len(docs) == MaxListKeys {
			break
		}
	}
	return docs, nil
}

// Get reads a document's text, truncated to MaxDocumentBytes.
func (s *Store) Get(ctx context.Context, key string) (*Document, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" || strings.Contains(key, "..") {
		return nil, fmt.Errorf("invalid document key %q", key)
	}
	objectKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	truncated := len(data) > MaxDocumentBytes
	if truncated {
		data = trimToRune(data[:MaxDocumentBytes])
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrNotText, key)
	}

	doc := &Document{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Truncated:   truncated,
		Content:     string(data),
	}
	if truncated {
		doc.Content += TruncationMarker
	}
	return doc, nil
}

// trimToRune drops a partial UTF-8 sequence left at the end by truncation.
func trimToRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if utf8.Valid(b) {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return strings.EqualFold(code, "NoSuchKey") || strings.EqualFold(code, "NotFound")
	}
	return false
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) relativeKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}
