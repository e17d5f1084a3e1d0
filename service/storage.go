package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	gstorage "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Extension of a product file
type Extension string

// Extension of the downloaded archives
const ExtensionZIP Extension = "zip"

// Storage is a service to export downloaded products
type Storage interface {
	// SaveFile persists the local file into the storage and returns its uri
	SaveFile(ctx context.Context, localFile string) (string, error)
}

// S3Config configures the connection to a s3 storage.
// Empty fields fallback to the default aws configuration chain.
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewStorage creates a storage from its uri:
//   - gs://bucket/prefix
//   - s3://bucket/prefix
//   - a local directory
func NewStorage(ctx context.Context, storageURI string, s3cfg S3Config) (Storage, error) {
	switch {
	case storageURI == "":
		return nil, fmt.Errorf("NewStorage: empty uri")
	case strings.HasPrefix(storageURI, "gs://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(storageURI, "gs://"))
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("NewStorage.GCS: %w", err)
		}
		return &GSStorage{client: client, bucket: bucket, prefix: prefix}, nil
	case strings.HasPrefix(storageURI, "s3://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(storageURI, "s3://"))
		client, err := newS3Client(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("NewStorage.S3: %w", err)
		}
		return &S3Storage{uploader: manager.NewUploader(client), bucket: bucket, prefix: prefix}, nil
	}
	return NewLocalStorage(strings.TrimPrefix(storageURI, "file://"))
}

func splitBucket(uri string) (string, string) {
	parts := strings.SplitN(uri, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Trim(parts[1], "/")
}

func newS3Client(ctx context.Context, s3cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s3cfg.Region))
	}
	if s3cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKey, s3cfg.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("LoadDefaultConfig: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// LocalStorage implements Storage by copying files into a directory
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates the directory if needed
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("NewLocalStorage: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

// SaveFile implements Storage
func (ls *LocalStorage) SaveFile(ctx context.Context, localFile string) (string, error) {
	dst := filepath.Join(ls.dir, filepath.Base(localFile))
	if abs, err := filepath.Abs(localFile); err == nil {
		if absDst, err := filepath.Abs(dst); err == nil && abs == absDst {
			return dst, nil
		}
	}
	src, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("SaveFile.Open: %w", err)
	}
	defer src.Close()
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("SaveFile.Create: %w", err)
	}
	if _, err := io.Copy(f, &contextReader{ctx: ctx, r: src}); err != nil {
		f.Close()
		return "", fmt.Errorf("SaveFile.Copy: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("SaveFile.Close: %w", err)
	}
	return dst, nil
}

// GSStorage implements Storage on Google Cloud Storage
type GSStorage struct {
	client *gstorage.Client
	bucket string
	prefix string
}

// SaveFile implements Storage
func (gs *GSStorage) SaveFile(ctx context.Context, localFile string) (string, error) {
	src, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("SaveFile.Open: %w", err)
	}
	defer src.Close()

	object := path.Join(gs.prefix, filepath.Base(localFile))
	w := gs.client.Bucket(gs.bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return "", fmt.Errorf("SaveFile.Copy to gs://%s/%s: %w", gs.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("SaveFile.Close gs://%s/%s: %w", gs.bucket, object, err)
	}
	return fmt.Sprintf("gs://%s/%s", gs.bucket, object), nil
}

// S3Storage implements Storage on a s3-compatible storage
type S3Storage struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// SaveFile implements Storage
func (ss *S3Storage) SaveFile(ctx context.Context, localFile string) (string, error) {
	src, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("SaveFile.Open: %w", err)
	}
	defer src.Close()

	key := path.Join(ss.prefix, filepath.Base(localFile))
	if _, err := ss.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(key),
		Body:   src,
	}); err != nil {
		return "", fmt.Errorf("SaveFile.Upload to s3://%s/%s: %w", ss.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", ss.bucket, key), nil
}

// contextReader stops reading as soon as the context is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
