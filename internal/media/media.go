// Package media ingests product images and returns the URL they are served
// from.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// MaxBytes bounds a single upload.
const MaxBytes = 8 << 20

var (
	ErrTooLarge    = errors.New("image too large")
	ErrUnsupported = errors.New("unsupported image type")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store persists image bytes and returns a stable URL for them.
type Store interface {
	Put(ctx context.Context, r io.Reader) (string, error)
}

// Local writes images under Dir, named by content hash, so the same image
// uploaded twice maps to one file and one URL.
type Local struct {
	Dir     string
	BaseURL string
	Logger  zerolog.Logger
}

func NewLocal(dir, baseURL string, logger zerolog.Logger) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media dir %s: %w", dir, err)
	}
	return &Local{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/"), Logger: logger.With().Str("component", "media").Logger()}, nil
}

func (l *Local) Put(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > MaxBytes {
		return "", ErrTooLarge
	}
	ext, err := sniff(data)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:16]) + ext
	path := filepath.Join(l.Dir, name)
	if _, err := os.Stat(path); err != nil {
		tmp, err := os.CreateTemp(l.Dir, ".upload-*")
		if err != nil {
			return "", err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
		l.Logger.Info().Str("file", name).Int("bytes", len(data)).Msg("image stored")
	}
	return l.BaseURL + "/" + name, nil
}

// Handler serves stored images.
func (l *Local) Handler() http.Handler {
	return http.FileServer(http.Dir(l.Dir))
}

// sniff returns the file extension for data's image type. Formats the image
// package can decode are also checked for a readable header.
func sniff(data []byte) (string, error) {
	ct := http.DetectContentType(data)
	ext, ok := extensions[ct]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, ct)
	}
	if ct == "image/webp" {
		return ext, nil
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return ext, nil
}
