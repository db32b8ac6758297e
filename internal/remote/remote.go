package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/models"
)

// Store is the remote object API the upload scheduler depends on. Folder ids
// are opaque to callers; implementations decide what they mean.
type Store interface {
	// FindOrCreateFolder resolves a folder by name under parent, creating it
	// when absent. Safe to call repeatedly: lookup happens before creation.
	FindOrCreateFolder(ctx context.Context, name, parentID string) (string, error)

	// FindExisting returns the id of an object with the given name under
	// parent, optionally requiring a matching content fingerprint. Empty id
	// means not found.
	FindExisting(ctx context.Context, name, parentID, fingerprint string) (string, error)

	// Upload transfers a local file under parent and returns its remote id.
	Upload(ctx context.Context, localPath, parentID, fingerprint string) (string, error)

	// About identifies the remote account; used as a connectivity check.
	About(ctx context.Context) (string, error)
}

var audioContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
}

// fingerprintMetaKey carries the content hash on uploaded objects so remote
// dedup checks can compare content, not just names.
const fingerprintMetaKey = "content-fingerprint"

// MinioOptions configures the MinIO-backed store.
type MinioOptions struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// MinioStore implements Store on a MinIO/S3 bucket. Folder ids are object key
// prefixes ending in "/"; creation drops a zero-byte marker so an empty
// folder is still findable.
type MinioStore struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger
}

// NewMinio builds the store with the pooled transport and timeouts used
// throughout the project.
func NewMinio(opts MinioOptions, logger zerolog.Logger) (*MinioStore, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.Secure,
		Transport:    tr,
		Region:       "auto",
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize remote client: %w", err)
	}

	return &MinioStore{client: client, bucket: opts.Bucket, log: logger}, nil
}

// About verifies the bucket is reachable with the configured credentials.
func (s *MinioStore) About(ctx context.Context) (string, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "", classify(err)
	}
	if !exists {
		return "", fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return fmt.Sprintf("%s/%s", s.client.EndpointURL().Host, s.bucket), nil
}

func (s *MinioStore) FindOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	id := joinKey(parentID, name) + "/"

	_, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
	if err == nil {
		return id, nil
	}
	if !isNotFound(err) {
		return "", classify(err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, id, strings.NewReader(""), 0,
		minio.PutObjectOptions{ContentType: "application/x-directory"})
	if err != nil {
		return "", classify(err)
	}

	s.log.Debug().Str("folder", id).Msg("remote folder created")
	return id, nil
}

func (s *MinioStore) FindExisting(ctx context.Context, name, parentID, fingerprint string) (string, error) {
	key := joinKey(parentID, name)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", classify(err)
	}

	if fingerprint != "" && info.UserMetadata[http.CanonicalHeaderKey(fingerprintMetaKey)] != fingerprint {
		return "", nil
	}
	return key, nil
}

func (s *MinioStore) Upload(ctx context.Context, localPath, parentID, fingerprint string) (string, error) {
	key := joinKey(parentID, filepath.Base(localPath))

	contentType := audioContentTypes[strings.ToLower(filepath.Ext(localPath))]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	opts := minio.PutObjectOptions{ContentType: contentType}
	if fingerprint != "" {
		opts.UserMetadata = map[string]string{fingerprintMetaKey: fingerprint}
	}

	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, opts)
	if err != nil {
		return "", classify(err)
	}

	s.log.Debug().Str("key", info.Key).Int64("size", info.Size).Msg("object uploaded")
	return info.Key, nil
}

func joinKey(parentID, name string) string {
	parent := strings.Trim(parentID, "/")
	name = strings.Trim(name, "/")
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// classify maps remote failures onto the pipeline's error kinds: credential
// problems are fatal for the run, everything else is worth a retry.
func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	return fmt.Errorf("%w: %v", models.ErrTransient, err)
}
