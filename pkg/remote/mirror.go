package remote

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// s3API is the slice of the S3 client the mirror uses. Tests substitute
// a fake; s3.Client satisfies it directly.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// SyncStats summarizes one push or pull.
type SyncStats struct {
	Files int64
	Bytes int64
}

// Mirror copies baseline files between a local directory and the bucket.
//
// Transfers are unconditional full copies. Baselines change only on
// explicit approval, so the object count stays small and content
// comparison is not worth the round trips.
type Mirror struct {
	client s3API
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates a mirror from the configuration.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// remoteKey maps a local relative path to its object key.
func (m *Mirror) remoteKey(rel string) string {
	return path.Join(m.prefix, filepath.ToSlash(rel))
}

// localRel maps an object key back to a local relative path. It rejects
// keys that would escape the destination directory.
func (m *Mirror) localRel(key string) (string, error) {
	rel := key
	if m.prefix != "" {
		if !strings.HasPrefix(key, m.prefix+"/") {
			return "", fmt.Errorf("key %q outside prefix %q", key, m.prefix)
		}
		rel = strings.TrimPrefix(key, m.prefix+"/")
	}
	if rel == "" || path.Clean("/"+rel) != "/"+rel {
		return "", fmt.Errorf("unsafe object key %q", key)
	}
	return filepath.FromSlash(rel), nil
}

// Push uploads every file under localRoot to the bucket.
func (m *Mirror) Push(ctx context.Context, localRoot string) (*SyncStats, error) {
	stats := &SyncStats{}

	err := filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return err
		}
		key := m.remoteKey(rel)

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		size := info.Size()

		_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(m.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return wrapError("Push", m.bucket, key, err)
		}

		stats.Files++
		stats.Bytes += size
		m.logger.Debug("pushed baseline", zap.String("key", key), zap.Int64("size", size))
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// Pull downloads every object under the prefix into localRoot. Each file
// lands via a temporary file and an atomic rename.
func (m *Mirror) Pull(ctx context.Context, localRoot string) (*SyncStats, error) {
	stats := &SyncStats{}

	input := &s3.ListObjectsV2Input{Bucket: aws.String(m.bucket)}
	if m.prefix != "" {
		input.Prefix = aws.String(m.prefix + "/")
	}

	paginator := s3.NewListObjectsV2Paginator(m.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return stats, wrapError("Pull", m.bucket, "", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			n, err := m.pullObject(ctx, key, localRoot)
			if err != nil {
				return stats, err
			}
			stats.Files++
			stats.Bytes += n
		}
	}
	return stats, nil
}

func (m *Mirror) pullObject(ctx context.Context, key, localRoot string) (int64, error) {
	rel, err := m.localRel(key)
	if err != nil {
		return 0, err
	}
	dest := filepath.Join(localRoot, rel)

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, wrapError("Pull", m.bucket, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp.*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := io.Copy(tmp, out.Body)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("download %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return 0, fmt.Errorf("rename %s: %w", dest, err)
	}

	m.logger.Debug("pulled baseline", zap.String("key", key), zap.Int64("size", n))
	return n, nil
}
