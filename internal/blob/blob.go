// Package blob stores uploaded audio on the local filesystem or in S3.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kalambet/jobpipe/internal/fault"
)

// MaxAudioSize bounds a single upload.
const MaxAudioSize = 200 << 20 // 200MB

const CodeUnsupportedMedia = "unsupported_media"

var ErrNotFound = fault.New(fault.NotFound, "blob_not_found", "blob not found")

// Store persists opaque blobs under string keys.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Key builds the storage key for an upload.
func Key(userID, id, ext string) string {
	return fmt.Sprintf("audio/%s/%s%s", sanitize(userID), id, ext)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Media is the sniffed type of an upload.
type Media struct {
	MIME      string
	Extension string
}

// SniffAudio detects the media type of r from its leading bytes and returns
// a reader that replays them. Anything but audio/* or video/* is a
// validation error.
func SniffAudio(r io.Reader) (Media, io.Reader, error) {
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Media{}, nil, fmt.Errorf("reading upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return Media{}, nil, fault.New(fault.Validation, CodeUnsupportedMedia, "audio file is empty")
	}

	mt := mimetype.Detect(head)
	base, _, _ := strings.Cut(mt.String(), ";")
	if !strings.HasPrefix(base, "audio/") && !strings.HasPrefix(base, "video/") {
		return Media{}, nil, fault.New(fault.Validation, CodeUnsupportedMedia, "unsupported media type %s", base)
	}
	return Media{MIME: base, Extension: mt.Extension()}, io.MultiReader(bytes.NewReader(head), r), nil
}
