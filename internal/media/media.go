// Package media stores uploaded attachments with an external relay and returns
// a URL the clients can fetch them from.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"chat-realtime/internal/config"
)

const (
	KindPhoto = "photo"
	KindVideo = "video"
	KindDoc   = "doc"
	KindAudio = "audio"
)

var ErrUnsupportedBackend = errors.New("unsupported media backend")

// Upload is one attachment as received from the client.
type Upload struct {
	FileName    string
	ContentType string
	Kind        string
	Data        []byte
}

// Relay stores an upload and returns its retrievable URL.
type Relay interface {
	Store(ctx context.Context, userID string, up Upload) (string, error)
	Name() string
}

// NormalizeKind maps the client's fileType onto the kinds the relays know.
// Anything unrecognised is treated as a document.
func NormalizeKind(fileType string) string {
	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case KindPhoto, "image":
		return KindPhoto
	case KindVideo:
		return KindVideo
	case KindAudio:
		return KindAudio
	default:
		return KindDoc
	}
}

// NewRelay builds the configured relay. An empty backend disables attachments
// and returns a nil Relay.
func NewRelay(ctx context.Context, cfg config.MediaConfig, logger *zap.Logger) (Relay, error) {
	switch cfg.Backend {
	case "":
		logger.Info("media relay disabled")
		return nil, nil
	case "telegram":
		if cfg.Telegram.BotToken == "" || cfg.Telegram.ChannelID == "" {
			return nil, errors.New("telegram relay needs bot_token and channel_id")
		}
		return NewTelegramRelay(cfg.Telegram.BaseURL, cfg.Telegram.BotToken, cfg.Telegram.ChannelID, nil), nil
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, errors.New("s3 relay needs a bucket")
		}
		return NewS3Relay(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
}
