package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/cortexhub/creation-engine/internal/pipeline"
)

// Published holds durable URLs for a creation's content.
type Published struct {
	Text      string   `json:"text,omitempty"`
	Images    []string `json:"images,omitempty"`
	Voiceover string   `json:"voiceover,omitempty"`
}

// Publisher uploads generated bytes and returns public URLs.
type Publisher struct {
	uploader Uploader
	prefix   string
	baseURL  string
	logger   zerolog.Logger
}

// NewPublisher creates a publisher. Objects are keyed <prefix>/<creation id>/...
// and addressed as <baseURL>/<key>.
func NewPublisher(uploader Uploader, prefix, baseURL string, logger zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = "creations"
	}
	return &Publisher{
		uploader: uploader,
		prefix:   strings.Trim(prefix, "/"),
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

// BucketURL is the default public address of an S3 bucket.
func BucketURL(bucket, region string) string {
	if region == "" || region == "us-east-1" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
}

// Publish uploads text, inline images and voiceover audio. Images that are
// already remote URLs are kept as they are.
func (p *Publisher) Publish(ctx context.Context, creationID string, content pipeline.Content) (*Published, error) {
	if creationID == "" {
		return nil, fmt.Errorf("creation id is required")
	}
	out := &Published{Images: make([]string, len(content.Images))}

	g, gctx := errgroup.WithContext(ctx)
	if len(content.Text) > 0 {
		g.Go(func() error {
			key := p.key(creationID, "text.json")
			if err := p.uploader.Put(gctx, key, content.Text, "application/json"); err != nil {
				return err
			}
			out.Text = p.url(key)
			return nil
		})
	}
	for i, img := range content.Images {
		g.Go(func() error {
			u, err := p.publishImage(gctx, creationID, i, img)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			out.Images[i] = u
			return nil
		})
	}
	if len(content.Voiceover) > 0 {
		g.Go(func() error {
			u, err := p.publishVoiceover(gctx, creationID, content.Voiceover)
			if err != nil {
				return fmt.Errorf("voiceover: %w", err)
			}
			out.Voiceover = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.logger.Debug().Str("creation_id", creationID).Int("images", len(out.Images)).Msg("content published")
	return out, nil
}

func (p *Publisher) publishImage(ctx context.Context, creationID string, i int, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	mime, data, err := decodeInline(ref)
	if err != nil {
		return "", err
	}
	key := p.key(creationID, fmt.Sprintf("images/%d.%s", i, extension(mime)))
	if err := p.uploader.Put(ctx, key, data, mime); err != nil {
		return "", err
	}
	return p.url(key), nil
}

func (p *Publisher) publishVoiceover(ctx context.Context, creationID string, voiceover []byte) (string, error) {
	if u := gjson.GetBytes(voiceover, "audio_url"); u.Type == gjson.String && u.String() != "" {
		return u.String(), nil
	}
	raw := gjson.GetBytes(voiceover, "audio_data")
	if raw.Type != gjson.String {
		return "", nil
	}
	mime, data, err := decodeInline(raw.String())
	if err != nil {
		return "", err
	}
	if mime == "application/octet-stream" {
		mime = "audio/mpeg"
	}
	key := p.key(creationID, "voiceover."+extension(mime))
	if err := p.uploader.Put(ctx, key, data, mime); err != nil {
		return "", err
	}
	return p.url(key), nil
}

func (p *Publisher) key(creationID, name string) string {
	return path.Join(p.prefix, creationID, name)
}

func (p *Publisher) url(key string) string {
	return p.baseURL + "/" + key
}

// decodeInline decodes a data: URI or bare base64 text.
func decodeInline(s string) (string, []byte, error) {
	mime := "application/octet-stream"
	payload := s
	if strings.HasPrefix(s, "data:") {
		meta, data, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return "", nil, fmt.Errorf("unsupported data uri")
		}
		if m := strings.TrimSuffix(meta, ";base64"); m != "" {
			mime = m
		}
		payload = data
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return mime, decoded, nil
}

func extension(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "audio/mpeg":
		return "mp3"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "audio/ogg":
		return "ogg"
	default:
		return "bin"
	}
}
