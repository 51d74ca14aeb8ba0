package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const progressInterval = 200 * time.Millisecond

var errNoBucket = errors.New("storage bucket is required")

// S3Service mirrors results to Amazon S3 (or compatible APIs).
type S3Service struct {
	client   S3API
	uploader *manager.Uploader
	presign  *s3.PresignClient
}

// S3API is the part of *s3.Client the service calls directly.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func NewS3Service(client *s3.Client) *S3Service {
	svc := newS3Service(client)
	svc.presign = s3.NewPresignClient(client)
	return svc
}

func newS3Service(client S3API) *S3Service {
	return &S3Service{
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

// MirrorKey is where a result of client's project is stored under prefix.
func MirrorKey(prefix, client, project, file string) string {
	parts := make([]string, 0, 4)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, client, project, filepath.Base(file))
	return path.Join(parts...)
}

// ResultMetadata tags a mirrored object with the project it came from.
func ResultMetadata(client, project string) map[string]string {
	return map[string]string{
		"grid-client":  client,
		"grid-project": project,
	}
}

func (s *S3Service) UploadFile(ctx context.Context, localPath string, opts UploadOptions) (string, error) {
	if opts.Bucket == "" {
		return "", errNoBucket
	}
	key := strings.Trim(opts.Key, "/")
	if key == "" {
		key = filepath.Base(localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open result %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat result %s: %w", localPath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("result %s is a directory", localPath)
	}

	body := newProgressReader(f, info.Size(), opts.ProgressCallback)
	input := &s3.PutObjectInput{
		Bucket:   aws.String(opts.Bucket),
		Key:      aws.String(key),
		Body:     body,
		ACL:      types.ObjectCannedACLPrivate,
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("mirror %s to s3://%s/%s: %w", localPath, opts.Bucket, key, err)
	}
	body.finish()

	return fmt.Sprintf("s3://%s/%s", opts.Bucket, key), nil
}

// eachPage calls fn for every page of objects under prefix.
func (s *S3Service) eachPage(ctx context.Context, bucket, prefix string, fn func([]types.Object) error) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		if err := fn(page.Contents); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Service) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if bucket == "" {
		return nil, errNoBucket
	}
	var objects []ObjectInfo
	err := s.eachPage(ctx, bucket, strings.TrimSpace(prefix), func(page []types.Object) error {
		for _, obj := range page {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
		return nil
	})
	return objects, err
}

// DeleteObject removes exactly key. Other objects sharing it as a prefix are
// left alone.
func (s *S3Service) DeleteObject(ctx context.Context, bucket, key string) error {
	if bucket == "" {
		return errNoBucket
	}
	key = strings.Trim(key, "/")
	if key == "" {
		return errors.New("object key is required")
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetObjectURL presigns a GET for key.
func (s *S3Service) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if s.presign == nil {
		return "", errors.New("presigning is not configured")
	}
	if bucket == "" || key == "" {
		return "", errors.New("bucket and key are required")
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

var _ Service = (*S3Service)(nil)

// progressReader reports bytes read to cb at most every progressInterval.
// The uploader may read from several goroutines.
type progressReader struct {
	r     io.Reader
	total int64
	cb    func(done, total int64)

	mu       sync.Mutex
	done     int64
	lastFire time.Time
}

func newProgressReader(r io.Reader, total int64, cb func(done, total int64)) *progressReader {
	p := &progressReader{r: r, total: total, cb: cb}
	if cb != nil {
		cb(0, total)
		p.lastFire = time.Now()
	}
	return p
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n == 0 || p.cb == nil {
		return n, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += int64(n)
	if now := time.Now(); now.Sub(p.lastFire) >= progressInterval || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}
	return n, err
}

func (p *progressReader) finish() {
	if p.cb == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}
