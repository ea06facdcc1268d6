package filesystem

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/types"
)

func setupStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir(), []byte("test-signing-key"))
	require.NoError(t, err)
	return store
}

func writeTempFile(t *testing.T, content string) string {
	p := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func TestStore_Buckets(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ok, err := store.BucketExists(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.CreateBucket(ctx, "demo"))
	// Idempotent, like the remote stores it stands in for.
	require.NoError(t, store.CreateBucket(ctx, "demo"))

	ok, err = store.BucketExists(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Error(t, store.CreateBucket(ctx, "bad/name"))
}

func TestStore_ObjectRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "demo"))

	src := writeTempFile(t, "zkey bytes")
	require.NoError(t, store.UploadObject(ctx, "demo", "circuits/small/contributions/small_00001.zkey", src))

	ok, err := store.ObjectExists(ctx, "demo", "circuits/small/contributions/small_00001.zkey")
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := store.ObjectSize(ctx, "demo", "circuits/small/contributions/small_00001.zkey")
	require.NoError(t, err)
	assert.Equal(t, int64(len("zkey bytes")), size)

	dst := filepath.Join(t.TempDir(), "nested", "out.zkey")
	require.NoError(t, store.DownloadObject(ctx, "demo", "circuits/small/contributions/small_00001.zkey", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "zkey bytes", string(got))

	require.NoError(t, store.DeleteObject(ctx, "demo", "circuits/small/contributions/small_00001.zkey"))
	ok, err = store.ObjectExists(ctx, "demo", "circuits/small/contributions/small_00001.zkey")
	require.NoError(t, err)
	assert.False(t, ok)
	// Deleting a missing object is a no-op.
	require.NoError(t, store.DeleteObject(ctx, "demo", "circuits/small/contributions/small_00001.zkey"))
}

func TestStore_MissingObjectErrors(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "demo"))

	err := store.DownloadObject(ctx, "demo", "missing", filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, blob.ErrNoSuchObject)
	_, err = store.ObjectSize(ctx, "demo", "missing")
	assert.ErrorIs(t, err, blob.ErrNoSuchObject)
	_, err = store.SignGetObjectURL(ctx, "demo", "missing")
	assert.ErrorIs(t, err, blob.ErrNoSuchObject)
	err = store.UploadObject(ctx, "nobucket", "key", writeTempFile(t, "x"))
	assert.ErrorIs(t, err, blob.ErrNoSuchObject)
}

func TestStore_SignedGetURL(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "demo"))
	require.NoError(t, store.UploadObject(ctx, "demo", "pot/final.ptau", writeTempFile(t, "powers of tau")))

	signed, err := store.SignGetObjectURL(ctx, "demo", "pot/final.ptau")
	require.NoError(t, err)
	assert.True(t, signed.ExpiresAt.After(time.Now()))

	// Repeated requests within the TTL return the cached URL.
	again, err := store.SignGetObjectURL(ctx, "demo", "pot/final.ptau")
	require.NoError(t, err)
	assert.Equal(t, signed.URL, again.URL)

	rc, err := store.Get(signed.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "powers of tau", string(body))

	// A tampered signature must not verify.
	_, err = store.Get(signed.URL + "x")
	require.Error(t, err)
}

func TestStore_MultipartUpload(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "demo"))

	key := "circuits/small/contributions/small_00001.zkey"
	uploadID, err := store.CreateMultipartUpload(ctx, "demo", key)
	require.NoError(t, err)
	require.NotEqual(t, "", uploadID)

	urls, err := store.SignUploadPartURLs(ctx, "demo", key, uploadID, 3)
	require.NoError(t, err)
	require.Equal(t, 3, len(urls))
	for i, u := range urls {
		assert.Equal(t, i+1, u.PartNumber)
	}

	chunks := make([]types.Chunk, 0, 3)
	for i, content := range []string{"part one|", "part two|", "part three"} {
		etag, err := store.PutSignedPart(urls[i].URL, strings.NewReader(content))
		require.NoError(t, err)
		sum := md5.Sum([]byte(content))
		assert.Equal(t, hex.EncodeToString(sum[:]), etag)
		chunks = append(chunks, types.Chunk{PartNumber: i + 1, ETag: etag})
	}

	// Completion accepts parts in any order and concatenates by part number.
	location, err := store.CompleteMultipartUpload(ctx, "demo", key, uploadID, []types.Chunk{chunks[2], chunks[0], chunks[1]})
	require.NoError(t, err)
	assert.Equal(t, "local://demo/"+key, location)

	dst := filepath.Join(t.TempDir(), "assembled")
	require.NoError(t, store.DownloadObject(ctx, "demo", key, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "part one|part two|part three", string(got))

	// The session is gone once completed.
	_, err = store.SignUploadPartURLs(ctx, "demo", key, uploadID, 1)
	assert.ErrorIs(t, err, blob.ErrNoSuchUpload)
}

func TestStore_MultipartUpload_Validation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "demo"))

	_, err := store.CreateMultipartUpload(ctx, "nobucket", "key")
	assert.ErrorIs(t, err, blob.ErrNoSuchObject)

	uploadID, err := store.CreateMultipartUpload(ctx, "demo", "obj")
	require.NoError(t, err)

	_, err = store.SignUploadPartURLs(ctx, "demo", "other-obj", uploadID, 1)
	require.Error(t, err)
	_, err = store.SignUploadPartURLs(ctx, "demo", "obj", uploadID, 0)
	require.Error(t, err)
	_, err = store.SignUploadPartURLs(ctx, "demo", "obj", "unknown-upload", 1)
	assert.ErrorIs(t, err, blob.ErrNoSuchUpload)

	urls, err := store.SignUploadPartURLs(ctx, "demo", "obj", uploadID, 2)
	require.NoError(t, err)
	etag, err := store.PutSignedPart(urls[0].URL, strings.NewReader("data"))
	require.NoError(t, err)

	// Wrong etag reported for a staged part.
	_, err = store.CompleteMultipartUpload(ctx, "demo", "obj", uploadID, []types.Chunk{{PartNumber: 1, ETag: "bogus"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etag mismatch")

	// Gap in the part sequence.
	_, err = store.CompleteMultipartUpload(ctx, "demo", "obj", uploadID, []types.Chunk{{PartNumber: 2, ETag: etag}})
	require.Error(t, err)

	// Part never uploaded.
	_, err = store.CompleteMultipartUpload(ctx, "demo", "obj", uploadID, []types.Chunk{
		{PartNumber: 1, ETag: etag}, {PartNumber: 2, ETag: etag},
	})
	require.Error(t, err)

	_, err = store.CompleteMultipartUpload(ctx, "demo", "obj", uploadID, nil)
	require.Error(t, err)
}

func TestStore_AbortMultipartUpload(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "demo"))

	uploadID, err := store.CreateMultipartUpload(ctx, "demo", "obj")
	require.NoError(t, err)
	require.NoError(t, store.AbortMultipartUpload(ctx, "demo", "obj", uploadID))

	_, err = store.SignUploadPartURLs(ctx, "demo", "obj", uploadID, 1)
	assert.ErrorIs(t, err, blob.ErrNoSuchUpload)

	// Aborting twice is a no-op.
	require.NoError(t, store.AbortMultipartUpload(ctx, "demo", "obj", uploadID))
}
