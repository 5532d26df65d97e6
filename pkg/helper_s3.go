package oneclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3Helper accesses a flat object storage directly. Replicated blocks map
// onto whole objects keyed by the provider-assigned on-storage file id, so
// ranged reads translate to ranged GetObject calls.
type s3Helper struct {
	mu        sync.RWMutex
	storageID string
	bucket    string
	client    *s3.Client
}

func newS3Helper(params *HelperParams) (StorageHelper, error) {
	h := &s3Helper{storageID: params.StorageID}
	if err := h.Refresh(params); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *s3Helper) Name() string      { return HelperNameS3 }
func (h *s3Helper) StorageID() string { return h.storageID }

// Object storages have no atomic visibility guarantees between the writer
// and the reader, so reads served directly need checksum verification.
func (h *s3Helper) NeedsDataConsistencyCheck() bool { return true }

func (h *s3Helper) Refresh(params *HelperParams) error {
	bucket := params.Args[HelperArgBucket]
	if bucket == "" {
		return errors.New("s3 helper requires a bucketName argument")
	}

	region := params.Args[HelperArgRegion]
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.Args[HelperArgAccessKey],
			params.Args[HelperArgSecretKey],
			"",
		)),
	)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	if hostname := params.Args[HelperArgHostname]; hostname != "" {
		scheme := params.Args[HelperArgScheme]
		if scheme == "" {
			scheme = "https"
		}
		cfg.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, hostname))
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	h.mu.Lock()
	h.bucket = bucket
	h.client = client
	h.mu.Unlock()
	return nil
}

func (h *s3Helper) state() (*s3.Client, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client, h.bucket
}

func (h *s3Helper) OpenFile(ctx context.Context, fileID string, flags OpenFlags) (HelperHandle, error) {
	return &s3Handle{helper: h, key: strings.TrimPrefix(fileID, "/")}, nil
}

type s3Handle struct {
	helper *s3Helper
	key    string
}

func (sh *s3Handle) Read(ctx context.Context, offset int64, size int, continuousHint int64) ([]byte, error) {
	client, bucket := sh.helper.state()

	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(size)-1)
	output, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(sh.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	defer output.Body.Close()

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, output.Body); err != nil {
		return nil, mapS3Error(err)
	}
	data := buf.Bytes()
	if len(data) > size {
		data = data[:size]
	}
	return data, nil
}

// Write replaces the whole object. Object stores offer no sub-object
// updates, so only full-object writes starting at offset zero are accepted;
// partial updates must go through the proxy.
func (sh *s3Handle) Write(ctx context.Context, offset int64, data []byte, onWritten func(int)) (int, error) {
	if offset != 0 {
		return 0, fmt.Errorf("%w: s3 helper supports only whole-object writes", ErrNotSupported)
	}
	client, bucket := sh.helper.state()

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(sh.key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, mapS3Error(err)
	}
	if onWritten != nil {
		onWritten(len(data))
	}
	return len(data), nil
}

func (sh *s3Handle) Flush(ctx context.Context) error { return nil }

func (sh *s3Handle) FSync(ctx context.Context, dataOnly bool) error { return nil }

func (sh *s3Handle) Release(ctx context.Context) error { return nil }

func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return ErrNotFound
		case "AccessDenied":
			return ErrPermissionDenied
		case "ExpiredToken", "InvalidAccessKeyId", "TokenRefreshRequired":
			return ErrKeyExpired
		case "SlowDown", "RequestTimeout":
			return ErrAgain
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
