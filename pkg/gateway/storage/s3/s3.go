// Package s3 stores objects in an S3-compatible bucket. Each object is a
// payload object plus a "{key}.metadata.json" sidecar object written after it.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/object-gateway/pkg/gateway"
)

const backendName = "s3"

// Config options for the S3 backend
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	Prefix          string // Optional key prefix inside the bucket
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)
	PresignDuration int    // Default duration in seconds for presigned URLs (default: 3600)

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool // Create bucket if it doesn't exist
}

// API is the subset of *s3.Client the backend uses.
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Presigner is satisfied by *s3.PresignClient.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Backend is an S3-compatible implementation of the gateway.Storage interface
type Backend struct {
	client          API
	uploader        *manager.Uploader
	presigner       Presigner
	presignDuration time.Duration
	config          Config
}

// New creates a new S3-compatible storage backend
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Options...)

	backend := NewWithClient(client, s3.NewPresignClient(client), config)
	if config.CreateBucketIfNotExist {
		if err := backend.createBucketIfNotExists(ctx); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return backend, nil
}

// NewWithClient builds a backend over an existing client. presigner may be nil.
func NewWithClient(client API, presigner Presigner, config Config) *Backend {
	if config.PresignDuration <= 0 {
		config.PresignDuration = 3600
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	return &Backend{
		client:          client,
		uploader:        manager.NewUploader(client),
		presigner:       presigner,
		presignDuration: time.Duration(config.PresignDuration) * time.Second,
		config:          config,
	}
}

func (b *Backend) createBucketIfNotExists(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.config.Bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) && !hasCode(err, "NoSuchBucket", "BadRequest") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(b.config.Bucket)}
	if b.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}
	_, err = b.client.CreateBucket(ctx, input)
	if err != nil && !hasCode(err, "BucketAlreadyExists", "BucketAlreadyOwnedByYou") {
		return err
	}
	return nil
}

func (b *Backend) objectKey(key string) string {
	return b.config.Prefix + key
}

func (b *Backend) applySSE(input *s3.PutObjectInput) {
	if !b.config.EnableSSE {
		return
	}
	switch b.config.SSEAlgorithm {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if b.config.SSEKMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
		}
	}
}

// Put uploads the payload, then the sidecar that commits it
func (b *Backend) Put(ctx context.Context, key string, data []byte, meta *gateway.Metadata) error {
	if gateway.IsSidecarKey(key) {
		return fmt.Errorf("%w: key %q uses the reserved %s suffix", gateway.ErrInvalidMetadata, key, gateway.SidecarSuffix)
	}
	stored, err := gateway.PrepareForPut(key, meta)
	if err != nil {
		return err
	}
	encoded, err := gateway.EncodeMetadata(stored)
	if err != nil {
		return err
	}

	payload := &s3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   bytes.NewReader(data),
	}
	if stored.ContentType != "" {
		payload.ContentType = aws.String(stored.ContentType)
	}
	b.applySSE(payload)
	if _, err := b.uploader.Upload(ctx, payload); err != nil {
		return gateway.NewStorageError(backendName, "put", key, err)
	}

	sidecar := &s3.PutObjectInput{
		Bucket:      aws.String(b.config.Bucket),
		Key:         aws.String(gateway.SidecarKey(b.objectKey(key))),
		Body:        bytes.NewReader(encoded),
		ContentType: aws.String("application/json"),
	}
	b.applySSE(sidecar)
	if _, err := b.client.PutObject(ctx, sidecar); err != nil {
		return gateway.NewStorageError(backendName, "put", key, err)
	}
	return nil
}

func (b *Backend) read(ctx context.Context, key, objectKey string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, gateway.NotFoundError("object", key)
		}
		return nil, gateway.NewStorageError(backendName, "get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, gateway.NewStorageError(backendName, "get", key, err)
	}
	return data, nil
}

// Get downloads the sidecar, then the payload
func (b *Backend) Get(ctx context.Context, key string) ([]byte, *gateway.Metadata, error) {
	meta, err := b.GetMetadata(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	data, err := b.read(ctx, key, b.objectKey(key))
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

// GetMetadata downloads only the sidecar
func (b *Backend) GetMetadata(ctx context.Context, key string) (*gateway.Metadata, error) {
	raw, err := b.read(ctx, key, gateway.SidecarKey(b.objectKey(key)))
	if err != nil {
		return nil, err
	}
	return gateway.DecodeMetadata(raw)
}

func (b *Backend) head(ctx context.Context, objectKey string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Exists reports whether both payload and sidecar are present
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	for _, objectKey := range []string{gateway.SidecarKey(b.objectKey(key)), b.objectKey(key)} {
		ok, err := b.head(ctx, objectKey)
		if err != nil {
			return false, gateway.NewStorageError(backendName, "exists", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Delete removes the sidecar first, then the payload
func (b *Backend) Delete(ctx context.Context, key string) error {
	ok, err := b.head(ctx, gateway.SidecarKey(b.objectKey(key)))
	if err != nil {
		return gateway.NewStorageError(backendName, "delete", key, err)
	}
	if !ok {
		return gateway.NotFoundError("object", key)
	}

	for _, objectKey := range []string{gateway.SidecarKey(b.objectKey(key)), b.objectKey(key)} {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			return gateway.NewStorageError(backendName, "delete", key, err)
		}
	}
	return nil
}

// List pages through the bucket and returns every committed object whose
// key starts with prefix
func (b *Backend) List(ctx context.Context, prefix string) ([]*gateway.Metadata, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.config.Bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})

	payloads := make(map[string]bool)
	var sidecars []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, gateway.NewStorageError(backendName, "list", prefix, err)
		}
		for _, obj := range page.Contents {
			objectKey := aws.ToString(obj.Key)
			if gateway.IsSidecarKey(objectKey) {
				sidecars = append(sidecars, objectKey)
			} else {
				payloads[objectKey] = true
			}
		}
	}

	result := make([]*gateway.Metadata, 0, len(sidecars))
	for _, sidecar := range sidecars {
		objectKey := gateway.KeyFromSidecar(sidecar)
		if !payloads[objectKey] {
			continue
		}
		key := strings.TrimPrefix(objectKey, b.config.Prefix)
		raw, err := b.read(ctx, key, sidecar)
		if gateway.IsNotFound(err) {
			continue
		} else if err != nil {
			return nil, err
		}
		meta, err := gateway.DecodeMetadata(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, meta)
	}
	return result, nil
}

// PresignDownload returns a native presigned GET URL
func (b *Backend) PresignDownload(ctx context.Context, key string, expiresIn time.Duration) (*gateway.PresignedURL, error) {
	if b.presigner == nil {
		return nil, gateway.ErrPresignNotSupported
	}
	expiresIn = b.expiry(expiresIn)
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.objectKey(key)),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return nil, gateway.NewStorageError(backendName, "presign", key, err)
	}
	return &gateway.PresignedURL{URL: req.URL, ExpiresAt: time.Now().Add(expiresIn)}, nil
}

// PresignUpload returns a native presigned PUT URL
func (b *Backend) PresignUpload(ctx context.Context, key string, expiresIn time.Duration) (*gateway.PresignedURL, error) {
	if b.presigner == nil {
		return nil, gateway.ErrPresignNotSupported
	}
	expiresIn = b.expiry(expiresIn)
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.objectKey(key)),
	}
	b.applySSE(input)
	req, err := b.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return nil, gateway.NewStorageError(backendName, "presign", key, err)
	}
	return &gateway.PresignedURL{URL: req.URL, ExpiresAt: time.Now().Add(expiresIn)}, nil
}

func (b *Backend) expiry(d time.Duration) time.Duration {
	if d <= 0 {
		return b.presignDuration
	}
	return d
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	return hasCode(err, "NoSuchKey", "NotFound", "404")
}

func hasCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

var _ gateway.Storage = (*Backend)(nil)
