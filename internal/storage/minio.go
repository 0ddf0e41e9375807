// Package storage keeps uploaded images (avatars, workspace logos) in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"dashboard/api/internal/util"
)

// MaxImageBytes caps avatar and logo uploads.
const MaxImageBytes = 2 << 20

var (
	ErrNotFound         = errors.New("object not found")
	ErrUnsupportedImage = errors.New("image must be png, jpeg or webp")
	ErrTooLarge         = errors.New("image exceeds 2 MiB")
)

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// Object describes a stored object returned by Get.
type Object struct {
	ContentType string
	Size        int64
}

type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and creates the bucket when missing.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		log.Info().Str("bucket", bucket).Msg("created object storage bucket")
	}

	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get opens an object for reading. The caller closes the reader.
func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Object{}, mapMinioError(key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, Object{}, mapMinioError(key, err)
	}
	return obj, Object{ContentType: info.ContentType, Size: info.Size}, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return mapMinioError(key, err)
	}
	return nil
}

func mapMinioError(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	}
	return fmt.Errorf("object %s: %w", key, err)
}

// DetectImage sniffs data and returns its content type and file extension.
func DetectImage(data []byte) (string, string, error) {
	if len(data) > MaxImageBytes {
		return "", "", ErrTooLarge
	}
	contentType := http.DetectContentType(data)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return "", "", ErrUnsupportedImage
	}
	return contentType, ext, nil
}

// ObjectKey builds a fresh key such as "avatars/<owner>/<uuid>.png".
func ObjectKey(kind, ownerID, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", kind, ownerID, util.NewID(), ext)
}
