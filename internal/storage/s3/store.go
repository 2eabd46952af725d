// Package s3 keeps dataset objects in an S3-compatible bucket through minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chartsfromquery/c4q/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// bucketAPI is the part of the minio client the store uses, already bound to
// one bucket. Errors come back unmapped.
type bucketAPI interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (storage.ObjectInfo, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	StatObject(ctx context.Context, key string) (storage.ObjectInfo, error)
	RemoveObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context, region string) error
}

// Store maps store-relative keys onto bucket keys under an optional root.
type Store struct {
	api  bucketAPI
	root string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: client for %s: %w", host, err)
	}

	store := newStore(&minioBucket{client: client, name: bucket}, cfg.Prefix)
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newStore(api bucketAPI, prefix string) *Store {
	root := strings.Trim(path.Clean("/"+strings.TrimSpace(prefix)), "/")
	return &Store{api: api, root: root}
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	full, err := s.objectKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.api.PutObject(ctx, full, body, size, opts.ContentType)
	if err != nil {
		return storage.ObjectInfo{}, wrap("put", full, err)
	}
	info.Key = s.relative(full)
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	body, err := s.api.GetObject(ctx, full)
	if err != nil {
		return nil, wrap("get", full, err)
	}
	return body, nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	full, err := s.objectKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.api.StatObject(ctx, full)
	if err != nil {
		return storage.ObjectInfo{}, wrap("stat", full, err)
	}
	info.Key = s.relative(full)
	return info, nil
}

// Delete treats a missing object as already deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	full, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if err := s.api.RemoveObject(ctx, full); err != nil && !notFound(err) {
		return wrap("delete", full, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	scope := s.root
	if rel := strings.Trim(strings.TrimSpace(prefix), "/"); rel != "" {
		full, err := s.objectKey(rel)
		if err != nil {
			return nil, err
		}
		scope = full
	}
	if scope != "" {
		scope += "/"
	}

	listed, err := s.api.ListObjects(ctx, scope)
	if err != nil {
		return nil, wrap("list", scope, err)
	}
	objects := make([]storage.ObjectInfo, 0, len(listed))
	for _, object := range listed {
		// folder placeholders
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		object.Key = s.relative(object.Key)
		objects = append(objects, object)
	}
	slices.SortFunc(objects, func(a, b storage.ObjectInfo) int {
		return strings.Compare(a.Key, b.Key)
	})
	return objects, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.api.Exists(ctx)
	if err != nil {
		return fmt.Errorf("s3: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.api.Create(ctx, region); err != nil {
		return fmt.Errorf("s3: create bucket in %q: %w", region, err)
	}
	return nil
}

// objectKey resolves a store-relative key to the full bucket key. Keys may
// not climb above the store root.
func (s *Store) objectKey(key string) (string, error) {
	rel := strings.TrimPrefix(strings.TrimSpace(key), "/")
	if rel == "" {
		return "", errors.New("s3: empty object key")
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("s3: key %q escapes the store root", key)
	}
	return path.Join(s.root, cleaned), nil
}

func (s *Store) relative(full string) string {
	if s.root == "" {
		return full
	}
	return strings.TrimPrefix(full, s.root+"/")
}

func wrap(op, key string, err error) error {
	if notFound(err) {
		err = storage.ErrObjectNotFound
	}
	return fmt.Errorf("s3 %s %s: %w", op, key, err)
}

func notFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return true
	}
	var response minio.ErrorResponse
	if !errors.As(err, &response) {
		return false
	}
	switch response.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return response.StatusCode == http.StatusNotFound
}

// splitEndpoint accepts "host:port" or a URL. An https URL turns TLS on.
func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("s3: endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("s3: endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("s3: endpoint %q has no host", raw)
	}
	return u.Host, useSSL || u.Scheme == "https", nil
}

type minioBucket struct {
	client *minio.Client
	name   string
}

func (b *minioBucket) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	uploaded, err := b.client.PutObject(ctx, b.name, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return storage.ObjectInfo{Key: uploaded.Key, Size: uploaded.Size, ETag: uploaded.ETag, LastModified: uploaded.LastModified}, nil
}

// GetObject stats the object first because minio opens readers lazily and
// would otherwise report a missing key on the first Read.
func (b *minioBucket) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := b.client.GetObject(ctx, b.name, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		return nil, err
	}
	return object, nil
}

func (b *minioBucket) StatObject(ctx context.Context, key string) (storage.ObjectInfo, error) {
	info, err := b.client.StatObject(ctx, b.name, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return objectInfo(info), nil
}

func (b *minioBucket) RemoveObject(ctx context.Context, key string) error {
	return b.client.RemoveObject(ctx, b.name, key, minio.RemoveObjectOptions{})
}

func (b *minioBucket) ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	for info := range b.client.ListObjects(ctx, b.name, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		objects = append(objects, objectInfo(info))
	}
	return objects, nil
}

func (b *minioBucket) Exists(ctx context.Context) (bool, error) {
	return b.client.BucketExists(ctx, b.name)
}

func (b *minioBucket) Create(ctx context.Context, region string) error {
	return b.client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{Region: region})
}

func objectInfo(info minio.ObjectInfo) storage.ObjectInfo {
	return storage.ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified}
}
