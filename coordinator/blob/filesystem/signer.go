package filesystem

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// signedRequest is the decoded form of a pre-signed URL token.
type signedRequest struct {
	method     string
	bucket     string
	key        string
	partNumber int
	uploadID   string
	expiresAt  time.Time
}

func (s *Store) signingPayload(r *signedRequest) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%s\n%d\n%s\n%d",
		r.method, r.bucket, r.key, r.partNumber, r.uploadID, r.expiresAt.Unix()))
}

func (s *Store) sign(r *signedRequest) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write(s.signingPayload(r))
	return hex.EncodeToString(mac.Sum(nil))
}

// signURL renders a signed request as an opaque local URL. The scheme marks
// it as resolvable only against this store.
func (s *Store) signURL(r *signedRequest) string {
	q := url.Values{}
	q.Set("method", r.method)
	if r.partNumber > 0 {
		q.Set("partNumber", strconv.Itoa(r.partNumber))
	}
	if r.uploadID != "" {
		q.Set("uploadId", r.uploadID)
	}
	q.Set("expires", strconv.FormatInt(r.expiresAt.Unix(), 10))
	q.Set("signature", s.sign(r))
	return fmt.Sprintf("local://%s/%s?%s", r.bucket, r.key, q.Encode())
}

// verifyURL parses a signed URL and checks its MAC and expiry.
func (s *Store) verifyURL(raw string) (*signedRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "malformed signed url")
	}
	if u.Scheme != "local" {
		return nil, errors.Errorf("unexpected signed url scheme %q", u.Scheme)
	}
	q := u.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "malformed signed url expiry")
	}
	partNumber := 0
	if p := q.Get("partNumber"); p != "" {
		partNumber, err = strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrap(err, "malformed signed url part number")
		}
	}
	req := &signedRequest{
		method:     q.Get("method"),
		bucket:     u.Host,
		key:        u.Path[1:],
		partNumber: partNumber,
		uploadID:   q.Get("uploadId"),
		expiresAt:  time.Unix(expires, 0),
	}
	expected := s.sign(req)
	if !hmac.Equal([]byte(expected), []byte(q.Get("signature"))) {
		return nil, errors.New("signed url signature mismatch")
	}
	if !req.expiresAt.After(time.Now()) {
		return nil, errors.New("signed url expired")
	}
	return req, nil
}
