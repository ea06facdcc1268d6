package filesystem

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// uploadManifest pins a multipart session to its destination object.
type uploadManifest struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) uploadDir(uploadID string) string {
	return filepath.Join(s.root, uploadsDirName, uploadID)
}

func (s *Store) partPath(uploadID string, partNumber int) string {
	return filepath.Join(s.uploadDir(uploadID), fmt.Sprintf("part-%d", partNumber))
}

func (s *Store) readManifest(uploadID string) (*uploadManifest, error) {
	enc, err := os.ReadFile(filepath.Join(s.uploadDir(uploadID), "manifest.json"))
	if os.IsNotExist(err) {
		return nil, blob.ErrNoSuchUpload
	}
	if err != nil {
		return nil, err
	}
	m := &uploadManifest{}
	if err := json.Unmarshal(enc, m); err != nil {
		return nil, errors.Wrap(err, "could not decode upload manifest")
	}
	return m, nil
}

// CreateMultipartUpload opens a multipart session for an object and returns
// its upload id.
func (s *Store) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	ok, err := s.BucketExists(ctx, bucket)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", blob.ErrNoSuchObject
	}
	uploadID := uuid.NewString()
	if err := os.MkdirAll(s.uploadDir(uploadID), 0700); err != nil {
		return "", err
	}
	enc, err := json.Marshal(&uploadManifest{Bucket: bucket, Key: key, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(s.uploadDir(uploadID), "manifest.json"), enc, 0600); err != nil {
		return "", err
	}
	log.WithField("uploadId", uploadID).WithField("key", key).Debug("Opened multipart upload")
	return uploadID, nil
}

// SignUploadPartURLs returns one pre-signed PUT URL per part, numbered from 1.
func (s *Store) SignUploadPartURLs(_ context.Context, bucket, key, uploadID string, numberOfParts int) ([]*blob.SignedURL, error) {
	if numberOfParts < 1 {
		return nil, errors.Errorf("invalid number of parts %d", numberOfParts)
	}
	m, err := s.readManifest(uploadID)
	if err != nil {
		return nil, err
	}
	if m.Bucket != bucket || m.Key != key {
		return nil, errors.Errorf("upload %s is bound to another object", uploadID)
	}
	expires := time.Now().Add(params.Get().PresignedURLExpiration())
	urls := make([]*blob.SignedURL, 0, numberOfParts)
	for part := 1; part <= numberOfParts; part++ {
		req := &signedRequest{
			method:     "PUT",
			bucket:     bucket,
			key:        key,
			partNumber: part,
			uploadID:   uploadID,
			expiresAt:  expires,
		}
		urls = append(urls, &blob.SignedURL{URL: s.signURL(req), PartNumber: part, ExpiresAt: expires})
	}
	return urls, nil
}

// PutSignedPart streams one part through a pre-signed PUT URL and returns
// its ETag (hex md5 of the part body, the S3 convention).
func (s *Store) PutSignedPart(raw string, body io.Reader) (string, error) {
	req, err := s.verifyURL(raw)
	if err != nil {
		return "", err
	}
	if req.method != "PUT" || req.uploadID == "" || req.partNumber < 1 {
		return "", errors.New("signed url does not authorize a part upload")
	}
	if _, err := s.readManifest(req.uploadID); err != nil {
		return "", err
	}
	f, err := os.OpenFile(s.partPath(req.uploadID, req.partNumber), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return "", err
	}
	h := md5.New() // #nosec G401 -- ETag convention, not integrity protection.
	_, err = io.Copy(io.MultiWriter(f, h), body)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.Wrap(err, "could not write part")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CompleteMultipartUpload validates the reported parts against the staged
// ones, concatenates them in order into the destination object, and removes
// the session.
func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []types.Chunk) (string, error) {
	m, err := s.readManifest(uploadID)
	if err != nil {
		return "", err
	}
	if m.Bucket != bucket || m.Key != key {
		return "", errors.Errorf("upload %s is bound to another object", uploadID)
	}
	if len(parts) == 0 {
		return "", errors.New("multipart completion requires at least one part")
	}
	sorted := make([]types.Chunk, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	dst := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return "", err
	}
	defer closeQuietly(out)
	for i, part := range sorted {
		if part.PartNumber != i+1 {
			return "", errors.Errorf("part sequence has a gap at %d", i+1)
		}
		if err := s.appendPart(out, uploadID, part); err != nil {
			return "", err
		}
	}
	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		return "", err
	}
	return s.signObjectLocation(bucket, key), nil
}

func (s *Store) appendPart(out io.Writer, uploadID string, part types.Chunk) error {
	f, err := os.Open(s.partPath(uploadID, part.PartNumber)) // #nosec G304
	if os.IsNotExist(err) {
		return errors.Errorf("part %d was never uploaded", part.PartNumber)
	}
	if err != nil {
		return err
	}
	defer closeQuietly(f)
	h := md5.New() // #nosec G401
	if _, err := io.Copy(io.MultiWriter(out, h), f); err != nil {
		return errors.Wrapf(err, "could not append part %d", part.PartNumber)
	}
	if etag := hex.EncodeToString(h.Sum(nil)); etag != part.ETag {
		return errors.Errorf("part %d etag mismatch: reported %s, stored %s", part.PartNumber, part.ETag, etag)
	}
	return nil
}

// AbortMultipartUpload drops a session and its staged parts.
func (s *Store) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	if _, err := s.readManifest(uploadID); err != nil {
		if errors.Is(err, blob.ErrNoSuchUpload) {
			return nil
		}
		return err
	}
	return os.RemoveAll(s.uploadDir(uploadID))
}

func (s *Store) signObjectLocation(bucket, key string) string {
	return fmt.Sprintf("local://%s/%s", bucket, key)
}
