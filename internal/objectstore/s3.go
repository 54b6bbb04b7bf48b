package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// S3Store reads and writes event blobs in a single S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	logger *logger.Logger
}

var _ core.ObjectStore = (*S3Store)(nil)

// NewS3Store connects to the endpoint and creates the bucket when missing.
func NewS3Store(ctx context.Context, cfg config.ObjectStoreConfig, log *logger.Logger) (*S3Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: httpclient.NewBackendTransport(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	s := &S3Store{client: client, bucket: cfg.Bucket, logger: log.WithComponent("objectstore")}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return types.Transient("objectstore.bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another process may have created it in between.
		if exists, _ := s.client.BucketExists(ctx, s.bucket); exists {
			return nil
		}
		return types.Transient("objectstore.bucket", err)
	}
	s.logger.Infow("Bucket created", "bucket", s.bucket)
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]core.ObjectInfo, error) {
	var out []core.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, types.Transient("objectstore.list", obj.Err)
		}
		out = append(out, core.ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify("objectstore.get", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.classify("objectstore.get", err)
	}
	return data, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return types.Transient("objectstore.put", err)
	}
	return nil
}

func (s *S3Store) classify(op string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return core.ErrNotFound
	}
	return types.Transient(op, err)
}

func (s *S3Store) Close() error { return nil }

func contentType(key string) string {
	if IsPayloadKey(key) {
		return "application/json"
	}
	return "application/octet-stream"
}
