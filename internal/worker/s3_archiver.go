// internal/worker/s3_archiver.go
package worker

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver 는 spool 에서 더 이상 재전송하지 않을 파일(만료/손상)을 보관하는 기능이다.
type Archiver interface {
	ArchiveFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64, meta map[string]string) error
}

// putObjectAPI 는 S3Archiver 가 사용하는 S3 client 기능이다.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver는 만료/손상 spool 파일을 S3 에 보관하는 구성 요소이다.
// - 로컬 spool 파일 업로드 (ArchiveFileWithRetryCtx)
// - 내부적으로 AWS SDK v2 client 사용
//
// 모든 업로드는 컨텍스트 기반(timeout + cancel-safe)으로 이루어지며,
// 재시도(backoff) 로직을 포함한다.
type S3Archiver struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  putObjectAPI
}

// NewS3Archiver는 AWS SDK Config를 초기화하고 S3 client를 생성한다.
func NewS3Archiver(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Archiver, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newS3ArchiverWithClient(cfg, m, client), nil
}

func newS3ArchiverWithClient(cfg config.Config, m *metrics.Metrics, client putObjectAPI) *S3Archiver {
	if cfg.ArchiveRetries < 1 {
		cfg.ArchiveRetries = 1
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 5 * time.Second
	}
	return &S3Archiver{cfg: cfg, metrics: m, client: client}
}

// newS3Client는 AWS 지역(region) 등 기본 옵션을 로드한다.
// SDK 자체 retry 는 끄고, 재시도는 ArchiveRetries 하나로만 제어한다.
func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	}), nil
}

// ArchiveFileWithRetryCtx
// -----------------------
// 로컬 spool 파일을 그대로 S3 로 업로드한다.
// - io.ReadSeeker 를 사용하여 retry 시 Seek(0)으로 rewind
// - shutdown-safe: ctx.Done() 시 즉시 중단
// - retry + exponential backoff (최대 2초)
func (u *S3Archiver) ArchiveFileWithRetryCtx(
	ctx context.Context,
	key string,
	f io.ReadSeeker,
	size int64,
	meta map[string]string,
) error {

	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.cfg.ArchiveRetries; attempt++ {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}

		err := u.putObject(ctx, key, f, size, meta)
		if err == nil {
			atomic.AddInt64(&u.metrics.ArchiveFilesStoredTotal, 1)
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.ArchivePutErrorsTotal, 1)

		if attempt == u.cfg.ArchiveRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject
// ---------
// 실제 PutObject 1회 호출. 호출당 ArchiveTimeout 이 적용된다.
func (u *S3Archiver) putObject(
	ctx context.Context,
	key string,
	body io.Reader,
	size int64,
	meta map[string]string,
) error {

	ctx2, cancel := context.WithTimeout(ctx, u.cfg.ArchiveTimeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:          aws.String(u.cfg.ArchiveBucket),
		Key:             aws.String(key),
		Body:            body,
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata:        meta,
	})

	return err
}
