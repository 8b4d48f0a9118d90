package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 stores objects in an S3-compatible bucket via minio-go. Archive-tier
// objects are written with the configured storage class (GLACIER by default)
// and must be restored with an asynchronous RestoreObject request before they
// can be read.
type S3 struct {
	Client       *minio.Client
	Bucket       string
	ArchiveClass string
	RestoreDays  int
}

func NewS3(endpoint, region, bucket, accessKey, secretKey, sessionToken, archiveClass string, restoreDays int, useSSL, forcePathStyle, insecure bool) (*S3, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(accessKey, secretKey, sessionToken),
		Secure:    useSSL,
		Region:    region,
		Transport: transport,
		BucketLookup: func() minio.BucketLookupType {
			if forcePathStyle {
				return minio.BucketLookupPath
			}
			return minio.BucketLookupDNS
		}(),
	})
	if err != nil {
		return nil, err
	}
	if archiveClass == "" {
		archiveClass = "GLACIER"
	}
	if restoreDays <= 0 {
		restoreDays = 2
	}
	return &S3{Client: client, Bucket: bucket, ArchiveClass: archiveClass, RestoreDays: restoreDays}, nil
}

func (s *S3) Put(ctx context.Context, key string, reader io.Reader, size int64, tier Tier) error {
	opts := minio.PutObjectOptions{}
	if tier == TierArchive {
		opts.StorageClass = s.ArchiveClass
	}
	_, err := s.Client.PutObject(ctx, s.Bucket, key, reader, size, opts)
	return classify(err)
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	stat, err := s.Client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	if s.isArchived(stat) {
		if stat.Restore == nil {
			if err := s.requestRestore(ctx, key); err != nil {
				return nil, err
			}
		}
		return nil, &PendingError{Token: RetrievalToken{Key: key, Requested: time.Now().UTC()}}
	}
	obj, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return obj, nil
}

func (s *S3) PollRetrieval(ctx context.Context, token RetrievalToken) (bool, error) {
	stat, err := s.Client.StatObject(ctx, s.Bucket, token.Key, minio.StatObjectOptions{})
	if err != nil {
		return false, classify(err)
	}
	if !s.isArchived(stat) {
		return true, nil
	}
	if stat.Restore == nil {
		// Restore request expired or was never issued; re-issue it.
		if err := s.requestRestore(ctx, token.Key); err != nil {
			return false, err
		}
		return false, nil
	}
	return !stat.Restore.OngoingRestore, nil
}

func (s *S3) requestRestore(ctx context.Context, key string) error {
	req := minio.RestoreRequest{}
	req.SetDays(s.RestoreDays)
	req.SetGlacierJobParameters(minio.GlacierJobParameters{Tier: minio.TierStandard})
	if err := s.Client.RestoreObject(ctx, s.Bucket, key, "", req); err != nil {
		code := minio.ToErrorResponse(err).Code
		// A restore already in flight is not a failure.
		if code == "RestoreAlreadyInProgress" {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (s *S3) isArchived(stat minio.ObjectInfo) bool {
	class := strings.ToUpper(stat.StorageClass)
	if class != strings.ToUpper(s.ArchiveClass) && class != "DEEP_ARCHIVE" {
		return false
	}
	// An archived object with a completed restore is readable until the
	// restored copy expires.
	return stat.Restore == nil || stat.Restore.OngoingRestore || time.Now().After(stat.Restore.ExpiryTime)
}

func (s *S3) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := s.Client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classify(err)
	}
	return ObjectInfo{Key: key, Size: stat.Size, Modified: stat.LastModified, ETag: stat.ETag, Tier: s.tierOf(stat)}, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	ch := s.Client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	infos := []ObjectInfo{}
	for obj := range ch {
		if obj.Err != nil {
			return nil, classify(obj.Err)
		}
		infos = append(infos, ObjectInfo{Key: obj.Key, Size: obj.Size, Modified: obj.LastModified, ETag: obj.ETag, Tier: s.tierOf(obj)})
	}
	return infos, nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, classify(err)
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	return classify(s.Client.RemoveObject(ctx, s.Bucket, key, minio.RemoveObjectOptions{}))
}

func (s *S3) tierOf(stat minio.ObjectInfo) Tier {
	if strings.EqualFold(stat.StorageClass, s.ArchiveClass) {
		return TierArchive
	}
	return TierHot
}

// classify maps minio errors onto the package taxonomy: not-found,
// transient (retryable), or permanent as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case "SlowDown", "InternalError", "RequestTimeout", "ServiceUnavailable":
		return Transient(err)
	}
	if resp.StatusCode >= 500 {
		return Transient(err)
	}
	return err
}
