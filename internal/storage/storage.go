// Package storage loads the idle clip from object storage or local disk.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dkeye/TutorRTC/internal/app/media"
	"github.com/dkeye/TutorRTC/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// Source opens a clip for reading.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// Object is a clip stored in a MinIO / S3 bucket.
type Object struct {
	mc     *minio.Client
	bucket string
	name   string
}

func NewObject(cfg config.MinioConfig, bucket, name string) (*Object, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Object{mc: mc, bucket: bucket, name: name}, nil
}

func (o *Object) Open(ctx context.Context) (io.ReadCloser, error) {
	obj, err := o.mc.GetObject(ctx, o.bucket, o.name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", o, err)
	}
	return obj, nil
}

func (o *Object) String() string { return o.bucket + "/" + o.name }

type File string

func (f File) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(string(f))
}

func (f File) String() string { return string(f) }

// SourceFor picks the configured clip location: a bucket wins over a path.
// It returns nil when neither is set.
func SourceFor(idle config.IdleConfig, mc config.MinioConfig) (Source, error) {
	switch {
	case idle.Bucket != "":
		return NewObject(mc, idle.Bucket, idle.Object)
	case idle.Path != "":
		return File(idle.Path), nil
	default:
		return nil, nil
	}
}

// LoadIdleClip reads the clip from src. A nil src yields an empty clip, which
// keeps the video track silent while the audio track still plays idle frames.
func LoadIdleClip(ctx context.Context, src Source, fps int) (*media.IdleClip, error) {
	if src == nil {
		log.Warn().Str("module", "storage").Msg("no idle clip configured")
		return media.EmptyIdleClip(fps), nil
	}
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open idle clip: %w", err)
	}
	defer rc.Close()

	clip, err := media.LoadIdleClip(rc, fps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	log.Info().Str("module", "storage").Str("source", src.String()).Int("frames", clip.Len()).Msg("idle clip loaded")
	return clip, nil
}
