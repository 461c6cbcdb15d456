/*
 * @module service/delivery/file_deliverer
 * @description 文件目标投递器：本地目录或 S3 兼容对象存储，每次推送写一个对象
 * @architecture 策略模式 - 存储后端可替换
 * @documentReference ai_docs/push_design.md
 * @stateFlow 合并报文 -> 可选压缩(gzip/zstd) -> 生成对象名 -> 写入
 * @rules
 *   - 对象名模板支持 {push_id} {target_id} {date} {ext} 占位符
 *   - 本地写入先写临时文件再原子重命名
 * @dependencies github.com/aws/aws-sdk-go-v2/service/s3, github.com/klauspost/compress
 * @refs service/format_convert/converter.go
 */

package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cast"

	"datapush-service/service/meta"
	"datapush-service/service/models"
)

const (
	storageLocal = "local"
	storageS3    = "s3"

	CompressionGzip = "gzip"
	CompressionZstd = "zstd"

	defaultFilePattern = "{date}/{push_id}.{ext}"
)

// objectStore 文件目标存储后端
type objectStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Check(ctx context.Context) error
}

type fileHandle struct {
	store objectStore
}

func (h *fileHandle) Close() error { return nil }

type localStore struct {
	dir string
}

func (s *localStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	full := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("写入文件失败: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("重命名文件失败: %w", err)
	}
	return full, nil
}

func (s *localStore) Check(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("目标目录不可访问: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("目标路径不是目录: %s", s.dir)
	}
	return nil
}

type s3Store struct {
	client *s3.Client
	bucket string
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("S3写入对象 %s 失败: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *s3Store) Check(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("S3存储桶 %s 不可访问: %w", s.bucket, err)
	}
	return nil
}

func newS3Store(ctx context.Context, cfg map[string]interface{}) (*s3Store, error) {
	bucket := cast.ToString(cfg["bucket"])
	if bucket == "" {
		return nil, errors.New("S3目标缺少bucket配置")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region := cast.ToString(cfg["region"]); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	accessKey := cast.ToString(cfg["access_key_id"])
	secretKey := cast.ToString(cfg["secret_access_key"])
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载AWS配置失败: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint := cast.ToString(cfg["endpoint"]); endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = cast.ToBool(cfg["use_path_style"])
		})
	}
	return &s3Store{client: s3.NewFromConfig(awsCfg, s3Opts...), bucket: bucket}, nil
}

// FileDeliverer 文件目标投递器
type FileDeliverer struct {
	now func() time.Time
}

// NewFileDeliverer 创建文件投递器
func NewFileDeliverer() *FileDeliverer {
	return &FileDeliverer{now: time.Now}
}

func (d *FileDeliverer) TargetType() string { return meta.TargetTypeFile }

func (d *FileDeliverer) Open(ctx context.Context, target *models.PushTarget) (Handle, error) {
	cfg := target.ConnectionConfig
	storage := strings.ToLower(cast.ToString(cfg["storage"]))
	switch storage {
	case "", storageLocal:
		dir := cast.ToString(cfg["directory"])
		if dir == "" {
			return nil, errors.New("文件目标缺少directory配置")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建目标目录失败: %w", err)
		}
		return &fileHandle{store: &localStore{dir: dir}}, nil
	case storageS3:
		store, err := newS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &fileHandle{store: store}, nil
	default:
		return nil, fmt.Errorf("不支持的文件存储类型: %s", storage)
	}
}

func (d *FileDeliverer) Ping(ctx context.Context, h Handle, target *models.PushTarget) error {
	fh, err := asFileHandle(h)
	if err != nil {
		return err
	}
	return fh.store.Check(ctx)
}

// Deliver 把整批报文写成一个对象
func (d *FileDeliverer) Deliver(ctx context.Context, h Handle, req *Request) (*Receipt, error) {
	fh, err := asFileHandle(h)
	if err != nil {
		return nil, err
	}
	fc := req.Target.ParsedFormatConfig()
	data, err := Compress(req.Body, fc.Compression)
	if err != nil {
		return nil, err
	}

	key := d.objectKey(req, fc)
	if prefix := req.Target.ConnString("prefix"); prefix != "" {
		key = path.Join(prefix, key)
	}
	location, err := fh.store.Put(ctx, key, data)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		RecordsPushed:    len(req.Changes),
		BytesTransferred: int64(len(data)),
		Location:         location,
	}, nil
}

func (d *FileDeliverer) objectKey(req *Request, fc models.FormatConfig) string {
	pattern := req.Target.ConnString("file_pattern")
	if pattern == "" {
		pattern = defaultFilePattern
	}
	ext := fileExtension(fc.Format)
	switch fc.Compression {
	case CompressionGzip:
		ext += ".gz"
	case CompressionZstd:
		ext += ".zst"
	}
	replacer := strings.NewReplacer(
		"{push_id}", req.PushID,
		"{target_id}", req.Target.ID,
		"{date}", d.now().UTC().Format("20060102"),
		"{ext}", ext,
	)
	return replacer.Replace(pattern)
}

func fileExtension(format string) string {
	switch format {
	case meta.FormatXML:
		return "xml"
	case meta.FormatCSV:
		return "csv"
	case meta.FormatAvro:
		return "msgpack"
	default:
		return "json"
	}
}

// Compress 按算法压缩数据，空算法原样返回
func Compress(data []byte, algorithm string) ([]byte, error) {
	switch strings.ToLower(algorithm) {
	case "", "none":
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip压缩失败: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip压缩失败: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("创建zstd编码器失败: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("不支持的压缩算法: %s", algorithm)
	}
}

func asFileHandle(h Handle) (*fileHandle, error) {
	fh, ok := h.(*fileHandle)
	if !ok || fh == nil {
		return nil, errors.New("无效的文件目标句柄")
	}
	return fh, nil
}
