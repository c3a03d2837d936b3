package cmd

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"

	"QFetch/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	minioPut    string
	minioStat   string
	minioRemove string
	minioISRC   string
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO镜像桶管理",
	Long:  `检查MinIO镜像桶，按ISRC上传、查看或删除镜像对象。镜像桶作为下载服务的回退来源。`,
	Example: `  # 检查连接并创建存储桶
  qfetch minio

  # 上传本地文件作为某个ISRC的镜像
  qfetch minio --put ./song.flac --isrc USRC17607839

  # 查看镜像对象
  qfetch minio --stat USRC17607839

  # 删除镜像对象
  qfetch minio --rm USRC17607839`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.MinioEndpoint == "" {
			return errors.New("MINIO_ENDPOINT 未配置")
		}
		ctx := context.Background()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		client, err := storage.NewMinioClient(cfg)
		if err != nil {
			return fmt.Errorf("创建MinIO客户端失败: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("创建存储桶失败: %w", err)
		}
		fmt.Println("MinIO连接成功！")

		switch {
		case minioPut != "":
			if minioISRC == "" {
				return errors.New("上传需要指定 --isrc")
			}
			ext := filepath.Ext(minioPut)
			key := client.ObjectKey(minioISRC, ext)
			n, err := client.Upload(ctx, key, minioPut, mime.TypeByExtension(ext))
			if err != nil {
				return fmt.Errorf("上传失败: %w", err)
			}
			fmt.Printf("已上传 %s (%s)\n", key, humanize.Bytes(uint64(n)))
		case minioStat != "":
			info, err := client.Stat(ctx, client.ObjectKey(minioStat, cfg.FileExtension))
			if err != nil {
				return fmt.Errorf("查询对象失败: %w", err)
			}
			fmt.Printf("%s  %s  %s  %s\n", info.Key, humanize.Bytes(uint64(info.Size)), info.ContentType, humanize.Time(info.LastModified))
		case minioRemove != "":
			key := client.ObjectKey(minioRemove, cfg.FileExtension)
			if err := client.Remove(ctx, key); err != nil {
				return fmt.Errorf("删除对象失败: %w", err)
			}
			fmt.Printf("已删除 %s\n", key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVar(&minioPut, "put", "", "上传本地文件作为镜像")
	minioCmd.Flags().StringVar(&minioISRC, "isrc", "", "上传对象对应的ISRC")
	minioCmd.Flags().StringVar(&minioStat, "stat", "", "按ISRC查看镜像对象")
	minioCmd.Flags().StringVar(&minioRemove, "rm", "", "按ISRC删除镜像对象")
	minioCmd.MarkFlagsMutuallyExclusive("put", "stat", "rm")
}
