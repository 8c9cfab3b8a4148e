package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/storage/storagetest"
)

// fakeS3 is an in-memory bucket that speaks the API interface.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sse      map[string]types.ServerSideEncryption
	buckets  map[string]bool
	pageSize int
	failPut  func(key string) error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		sse:      make(map[string]types.ServerSideEncryption),
		buckets:  make(map[string]bool),
		pageSize: 2,
	}
}

func notFound(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "not found"}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if f.failPut != nil {
		if err := f.failPut(key); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.sse[key] = in.ServerSideEncryption
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, notFound("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(slices.Clone(data)))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[aws.ToString(in.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

var errMultipart = errors.New("multipart not supported by fake")

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errMultipart
}

// offlinePresigner signs against a fixed endpoint without network access.
func offlinePresigner() *s3.PresignClient {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("test-key", "test-secret", ""),
		BaseEndpoint: aws.String("http://localhost:9000"),
		UsePathStyle: true,
	})
	return s3.NewPresignClient(client)
}

func TestS3Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gateway.Storage {
		return NewWithClient(newFakeS3(), offlinePresigner(), Config{Bucket: "test-bucket"})
	})
}

func TestS3ConformanceWithPrefix(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gateway.Storage {
		return NewWithClient(newFakeS3(), nil, Config{Bucket: "test-bucket", Prefix: "tenant-a/"})
	})
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Region: "us-east-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket name is required")
}

func TestSidecarObjects(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	b := NewWithClient(fake, nil, Config{Bucket: "b", EnableSSE: true, SSEAlgorithm: "AES256"})

	require.NoError(t, b.Put(ctx, "docs/a.txt", []byte("hello"), gateway.NewMetadata("docs/a.txt", 5)))

	assert.Equal(t, []byte("hello"), fake.objects["docs/a.txt"])
	assert.Contains(t, fake.objects, "docs/a.txt.metadata.json")
	assert.Equal(t, types.ServerSideEncryptionAes256, fake.sse["docs/a.txt"])
	assert.Equal(t, types.ServerSideEncryptionAes256, fake.sse["docs/a.txt.metadata.json"])
}

func TestFailedSidecarWriteLeavesOrphan(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.failPut = func(key string) error {
		if gateway.IsSidecarKey(key) {
			return &smithy.GenericAPIError{Code: "SlowDown", Message: "try later"}
		}
		return nil
	}
	b := NewWithClient(fake, nil, Config{Bucket: "b"})

	err := b.Put(ctx, "k", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrStorage)
	assert.Contains(t, fake.objects, "k")

	exists, err := b.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	list, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.pageSize = 1
	b := NewWithClient(fake, nil, Config{Bucket: "b"})

	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Put(ctx, key, []byte(key), nil))
	}
	list, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestCreateBucketIfNotExists(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	b := NewWithClient(fake, nil, Config{Bucket: "fresh", Region: "eu-west-1"})

	require.NoError(t, b.createBucketIfNotExists(ctx))
	assert.True(t, fake.buckets["fresh"])
	require.NoError(t, b.createBucketIfNotExists(ctx))
}

func TestPresignedURLs(t *testing.T) {
	ctx := context.Background()
	b := NewWithClient(newFakeS3(), offlinePresigner(), Config{Bucket: "bucket", PresignDuration: 600})

	down, err := b.PresignDownload(ctx, "docs/a.txt", 0)
	require.NoError(t, err)
	u, err := url.Parse(down.URL)
	require.NoError(t, err)
	assert.Equal(t, "/bucket/docs/a.txt", u.Path)
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), down.ExpiresAt, 5*time.Second)

	up, err := b.PresignUpload(ctx, "docs/a.txt", time.Minute)
	require.NoError(t, err)
	u, err = url.Parse(up.URL)
	require.NoError(t, err)
	assert.Equal(t, "60", u.Query().Get("X-Amz-Expires"))

	_, err = NewWithClient(newFakeS3(), nil, Config{Bucket: "b"}).PresignDownload(ctx, "x", time.Minute)
	assert.ErrorIs(t, err, gateway.ErrPresignNotSupported)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(notFound("NoSuchKey")))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("boom")))
}
