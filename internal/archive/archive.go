// Package archive compresses a finished capture file and optionally
// uploads it to S3. It is never invoked by the pipeline itself — a host
// process calls it explicitly once a Stream has stopped cleanly.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Config controls how Archive compresses and, optionally, uploads a
// capture file.
type Config struct {
	// Compression selects the archive codec: "gzip" (default, via
	// pgzip) or "zstd". Any other value is an error.
	Compression string
	// Parallelism is the number of pgzip compression blocks run
	// concurrently. Zero defaults to runtime.GOMAXPROCS(0). Ignored for
	// zstd, which parallelizes internally.
	Parallelism int
	// S3Bucket, if non-empty, triggers an upload of the resulting
	// archive after it is written locally.
	S3Bucket string
	// S3Prefix is prepended to the archive's base name to form the
	// object key.
	S3Prefix string
	// S3Endpoint optionally overrides the default endpoint, for
	// S3-compatible services.
	S3Endpoint string
}

// Archive tars path as a single entry, compresses it per cfg.Compression,
// and writes the result alongside path with a .tar.gz or .tar.zst suffix.
// The original file is never removed. If cfg.S3Bucket is set, the
// archive is also uploaded and the resulting object key is returned
// instead of the local path.
func Archive(ctx context.Context, path string, cfg Config) (string, error) {
	var ext string
	switch cfg.Compression {
	case "", "gzip":
		ext = ".tar.gz"
	case "zstd":
		ext = ".tar.zst"
	default:
		return "", fmt.Errorf("archive: unknown compression %q", cfg.Compression)
	}
	archivePath := path + ext

	if err := tarCompress(path, archivePath, cfg); err != nil {
		return "", fmt.Errorf("archive: compressing %s: %w", path, err)
	}

	if cfg.S3Bucket == "" {
		return archivePath, nil
	}

	key, err := upload(ctx, archivePath, cfg)
	if err != nil {
		return "", fmt.Errorf("archive: uploading %s: %w", archivePath, err)
	}
	return key, nil
}

func tarCompress(srcPath, dstPath string, cfg Config) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer dst.Close()

	cw, err := newCompressedWriter(dst, cfg)
	if err != nil {
		return fmt.Errorf("creating compressed writer: %w", err)
	}

	tw := tar.NewWriter(cw)

	hdr := &tar.Header{
		Name: filepath.Base(srcPath),
		Mode: 0o644,
		Size: info.Size(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := copyBuffered(tw, src); err != nil {
		return fmt.Errorf("writing tar entry: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("closing compressed writer: %w", err)
	}
	return nil
}

// newCompressedWriter picks pgzip or zstd per cfg.Compression. Both
// satisfy io.WriteCloser, so the tar writer doesn't need to know which.
func newCompressedWriter(dst io.Writer, cfg Config) (io.WriteCloser, error) {
	if cfg.Compression == "zstd" {
		return zstd.NewWriter(dst)
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	gz, err := pgzip.NewWriterLevel(dst, pgzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if err := gz.SetConcurrency(1<<20, parallelism); err != nil {
		return nil, fmt.Errorf("setting gzip concurrency: %w", err)
	}
	return gz, nil
}

func copyBuffered(dst *tar.Writer, src *os.File) (int64, error) {
	buf := make([]byte, 1<<20)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

func upload(ctx context.Context, archivePath string, cfg Config) (string, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("loading AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.S3Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	key := filepath.Join(cfg.S3Prefix, filepath.Base(archivePath))
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("putting object: %w", err)
	}
	return key, nil
}
