package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"QFetch/config"
	"QFetch/logger"
	"QFetch/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectInfo 对象信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// MinioClient 封装 MinIO 客户端，存放按ISRC组织的镜像曲库
type MinioClient struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// NewMinioClient 按配置创建客户端
func NewMinioClient(cfg *config.Config) (*MinioClient, error) {
	if cfg.MinioEndpoint == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT not configured")
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}
	return &MinioClient{
		client: client,
		bucket: cfg.MinioBucket,
		prefix: strings.Trim(cfg.MinioPrefix, "/"),
		region: cfg.MinioRegion,
	}, nil
}

// Bucket 存储桶名
func (m *MinioClient) Bucket() string { return m.bucket }

// ObjectKey ISRC对应的对象名，如 tracks/USABC0000001.flac
func (m *MinioClient) ObjectKey(isrc, ext string) string {
	name := strings.ToUpper(strings.TrimSpace(isrc)) + ext
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// EnsureBucket 存储桶不存在时创建
func (m *MinioClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("[Storage] 创建存储桶", logger.String("bucket", m.bucket))
	return nil
}

// classify 把MinIO错误映射为下载错误类别
func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", model.ErrNotFound, resp.Message)
	}
	return fmt.Errorf("%w: %v", model.ErrTransient, err)
}

// Stat 查询对象
func (m *MinioClient) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return &ObjectInfo{Key: info.Key, Size: info.Size, LastModified: info.LastModified, ContentType: info.ContentType}, nil
}

// Download 下载对象到本地文件
func (m *MinioClient) Download(ctx context.Context, key, dst string) (int64, error) {
	info, err := m.Stat(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := m.client.FGetObject(ctx, m.bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		return 0, classify(err)
	}
	return info.Size, nil
}

// Upload 上传本地文件
func (m *MinioClient) Upload(ctx context.Context, key, src, contentType string) (int64, error) {
	if _, err := os.Stat(src); err != nil {
		return 0, err
	}
	info, err := m.client.FPutObject(ctx, m.bucket, key, src, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, fmt.Errorf("上传文件失败: %w", err)
	}
	return info.Size, nil
}

// Remove 删除对象
func (m *MinioClient) Remove(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

// Ping 连通性检查：确认存储桶存在，并完成一次写入和删除
func (m *MinioClient) Ping(ctx context.Context) error {
	if err := m.EnsureBucket(ctx); err != nil {
		return err
	}
	key := path.Join(m.prefix, ".ping")
	content := "qfetch connectivity check " + time.Now().Format(time.RFC3339)
	_, err := m.client.PutObject(ctx, m.bucket, key, strings.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("上传测试文件失败: %w", err)
	}
	return m.Remove(ctx, key)
}
