// Package filesystem implements the blob store on a local disk root,
// suitable for single-host deployments and tests. Buckets map to
// directories, multipart sessions to a hidden staging area, and pre-signed
// URLs to HMAC-authenticated local tokens.
package filesystem

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/blob"
)

var log = logrus.WithField("prefix", "blobstore")

const uploadsDirName = ".uploads"

// Store is a filesystem-backed blob store.
type Store struct {
	root       string
	signingKey []byte
	urlCache   *gocache.Cache
}

var _ blob.Store = (*Store)(nil)

// NewStore opens a blob store rooted at dir. The signing key authenticates
// pre-signed URLs; a random key is drawn when none is supplied, which
// invalidates outstanding URLs across restarts.
func NewStore(dir string, signingKey []byte) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "could not create blob store root")
	}
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return nil, errors.Wrap(err, "could not draw signing key")
		}
	}
	ttl := params.Get().PresignedURLExpiration()
	return &Store{
		root:       dir,
		signingKey: signingKey,
		urlCache:   gocache.New(ttl, 2*ttl),
	}, nil
}

func (s *Store) bucketPath(bucket string) string {
	return filepath.Join(s.root, bucket)
}

func (s *Store) objectPath(bucket, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(key))
}

// CreateBucket creates the bucket directory. Creating an existing bucket is
// a no-op, matching object store semantics.
func (s *Store) CreateBucket(_ context.Context, bucket string) error {
	if strings.ContainsAny(bucket, "/\\") {
		return errors.Errorf("invalid bucket name %q", bucket)
	}
	return os.MkdirAll(s.bucketPath(bucket), 0700)
}

// BucketExists reports whether the bucket directory exists.
func (s *Store) BucketExists(_ context.Context, bucket string) (bool, error) {
	info, err := os.Stat(s.bucketPath(bucket))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// UploadObject copies a local file into the bucket under key.
func (s *Store) UploadObject(ctx context.Context, bucket, key, localPath string) error {
	ok, err := s.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !ok {
		return blob.ErrNoSuchObject
	}
	src, err := os.Open(localPath) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "could not open source file")
	}
	defer closeQuietly(src)
	dst := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return err
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "could not write object")
	}
	log.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"size":   humanize.Bytes(uint64(n)),
	}).Debug("Stored object")
	return nil
}

// DownloadObject copies an object to a local file path.
func (s *Store) DownloadObject(_ context.Context, bucket, key, localPath string) error {
	src, err := os.Open(s.objectPath(bucket, key)) // #nosec G304
	if os.IsNotExist(err) {
		return blob.ErrNoSuchObject
	}
	if err != nil {
		return err
	}
	defer closeQuietly(src)
	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return err
	}
	out, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return err
	}
	_, err = io.Copy(out, src)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// ObjectExists reports whether an object exists in the bucket.
func (s *Store) ObjectExists(_ context.Context, bucket, key string) (bool, error) {
	info, err := os.Stat(s.objectPath(bucket, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// ObjectSize returns the byte size of an object.
func (s *Store) ObjectSize(_ context.Context, bucket, key string) (int64, error) {
	info, err := os.Stat(s.objectPath(bucket, key))
	if os.IsNotExist(err) {
		return 0, blob.ErrNoSuchObject
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// DeleteObject removes an object if present.
func (s *Store) DeleteObject(_ context.Context, bucket, key string) error {
	err := os.Remove(s.objectPath(bucket, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SignGetObjectURL returns a pre-signed read URL for an object. URLs are
// cached for their lifetime so repeated requests stay stable.
func (s *Store) SignGetObjectURL(ctx context.Context, bucket, key string) (*blob.SignedURL, error) {
	cacheKey := fmt.Sprintf("GET\n%s\n%s", bucket, key)
	if cached, ok := s.urlCache.Get(cacheKey); ok {
		return cached.(*blob.SignedURL), nil
	}
	ok, err := s.ObjectExists(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, blob.ErrNoSuchObject
	}
	expires := time.Now().Add(params.Get().PresignedURLExpiration())
	req := &signedRequest{method: "GET", bucket: bucket, key: key, expiresAt: expires}
	signed := &blob.SignedURL{URL: s.signURL(req), ExpiresAt: expires}
	s.urlCache.Set(cacheKey, signed, gocache.DefaultExpiration)
	return signed, nil
}

// Get resolves a pre-signed read URL to the object contents.
func (s *Store) Get(raw string) (io.ReadCloser, error) {
	req, err := s.verifyURL(raw)
	if err != nil {
		return nil, err
	}
	if req.method != "GET" {
		return nil, errors.Errorf("signed url method %q cannot read", req.method)
	}
	f, err := os.Open(s.objectPath(req.bucket, req.key)) // #nosec G304
	if os.IsNotExist(err) {
		return nil, blob.ErrNoSuchObject
	}
	return f, err
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		log.WithError(err).Debug("Could not close file")
	}
}
