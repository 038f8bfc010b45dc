package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"listing-curator/internal/config"
	"listing-curator/internal/logging"
	"listing-curator/internal/models"
)

// thumbnailSink stores encoded thumbnails and returns where they ended up.
type thumbnailSink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// BusinessThumbnails is the storage the thumbnail job reads and writes.
type BusinessThumbnails interface {
	GetBusiness(ctx context.Context, id int64) (models.Business, error)
	SetThumbnailKey(ctx context.Context, id int64, key string) error
}

// ThumbnailHandler downloads a business photo, shrinks it and stores the
// result in S3 or a local directory.
type ThumbnailHandler struct {
	cfg        config.Config
	store      BusinessThumbnails
	httpClient *http.Client
	sink       thumbnailSink
	logger     *slog.Logger
}

// NewThumbnailHandler uses S3 when IMAGE_S3_BUCKET is set and the local
// output directory otherwise.
func NewThumbnailHandler(ctx context.Context, cfg config.Config, st BusinessThumbnails, logger *slog.Logger) (*ThumbnailHandler, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var sink thumbnailSink
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sink = &s3Sink{client: client, bucket: cfg.ImageS3Bucket}
	} else {
		dir := cfg.ImageOutputDir
		if dir == "" {
			dir = "./output"
		}
		sink = dirSink(dir)
	}

	return &ThumbnailHandler{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{Timeout: timeout},
		sink:       sink,
		logger:     logger,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handle processes a business_thumbnail job: {business_id, source_url?}. The
// business's thumbnail_url is used when source_url is absent.
func (h *ThumbnailHandler) Handle(ctx context.Context, job models.Job) error {
	businessID, ok := payloadInt64(job.Payload, "business_id")
	if !ok || businessID <= 0 {
		return errors.New("payload business_id is required")
	}
	b, err := h.store.GetBusiness(ctx, businessID)
	if err != nil {
		return fmt.Errorf("load business: %w", err)
	}
	source, _ := job.Payload["source_url"].(string)
	if source == "" {
		source = b.ThumbnailURL
	}
	if source == "" {
		h.logger.Info("business has no photo, skipping thumbnail", "business_id", businessID)
		return nil
	}

	data, contentType, err := h.download(ctx, source)
	if err != nil {
		return err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	thumb := h.shrink(img)
	out := pickFormat(format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, out.format, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}

	key := path.Join("thumbnails", strconv.FormatInt(b.TaskID, 10), strconv.FormatInt(b.ID, 10)+"."+out.ext)
	location, err := h.sink.Put(ctx, key, buf.Bytes(), out.mime)
	if err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	if err := h.store.SetThumbnailKey(ctx, b.ID, key); err != nil {
		return fmt.Errorf("save thumbnail key: %w", err)
	}
	h.logger.Info("thumbnail stored", "business_id", b.ID, "task_id", b.TaskID, "location", location, "bytes", buf.Len())
	return nil
}

// shrink scales to the configured box. With both sides set the image is
// cropped to fill it; with one side set the aspect ratio is kept. Images
// already smaller than the box are left alone.
func (h *ThumbnailHandler) shrink(img image.Image) image.Image {
	width, height := h.cfg.ImageDefaultWidth, h.cfg.ImageDefaultHeight
	if width == 0 && height == 0 {
		width = 320
	}
	size := img.Bounds().Size()
	if (width == 0 || size.X <= width) && (height == 0 || size.Y <= height) {
		return img
	}
	if width > 0 && height > 0 {
		return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

func (h *ThumbnailHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

type outputFormat struct {
	format imaging.Format
	ext    string
	mime   string
}

var (
	jpegOutput = outputFormat{imaging.JPEG, "jpg", "image/jpeg"}
	pngOutput  = outputFormat{imaging.PNG, "png", "image/png"}
	gifOutput  = outputFormat{imaging.GIF, "gif", "image/gif"}
)

// pickFormat keeps PNG and GIF sources in their format so transparency
// survives. Everything else becomes JPEG.
func pickFormat(decoded, contentType string) outputFormat {
	switch strings.ToLower(decoded) {
	case "png":
		return pngOutput
	case "gif":
		return gifOutput
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return pngOutput
	}
	return jpegOutput
}

// dirSink writes thumbnails below a local directory.
type dirSink string

func (d dirSink) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(string(d), filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

type s3Sink struct {
	client *s3.Client
	bucket string
}

func (s *s3Sink) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=86400"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
