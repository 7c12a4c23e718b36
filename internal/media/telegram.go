package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chat-realtime/internal/observability"
)

// TelegramRelay parks attachments in a Telegram channel through the Bot API
// and hands out the file download URL.
type TelegramRelay struct {
	baseURL    string
	token      string
	channelID  string
	client     *http.Client
	maxElapsed time.Duration
}

func NewTelegramRelay(baseURL, token, channelID string, client *http.Client) *TelegramRelay {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &TelegramRelay{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		channelID:  channelID,
		client:     client,
		maxElapsed: 30 * time.Second,
	}
}

func (t *TelegramRelay) Name() string { return "telegram" }

type telegramFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

type telegramResult struct {
	Photo    []telegramFile `json:"photo"`
	Video    *telegramFile  `json:"video"`
	Document *telegramFile  `json:"document"`
	Audio    *telegramFile  `json:"audio"`
	telegramFile
}

type telegramResponse struct {
	OK          bool           `json:"ok"`
	Description string         `json:"description"`
	Result      telegramResult `json:"result"`
}

// Store uploads the attachment with the method matching its kind, then resolves
// the stored file's download path.
func (t *TelegramRelay) Store(ctx context.Context, _ string, up Upload) (string, error) {
	link, err := t.store(ctx, up)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.IncMediaUpload(t.Name(), result)
	return link, err
}

func (t *TelegramRelay) store(ctx context.Context, up Upload) (string, error) {
	method, field := "sendDocument", "document"
	data, name := up.Data, up.FileName
	switch NormalizeKind(up.Kind) {
	case KindPhoto:
		compressed, err := CompressPhoto(up.Data)
		if err != nil {
			return "", err
		}
		method, field = "sendPhoto", "photo"
		data, name = compressed, jpegName(up.FileName)
	case KindVideo:
		method, field = "sendVideo", "video"
	}

	body, contentType, err := t.multipartBody(field, name, data)
	if err != nil {
		return "", err
	}

	var sent telegramResponse
	err = t.call(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, &sent)
	if err != nil {
		return "", fmt.Errorf("telegram %s: %w", method, err)
	}

	fileID := sent.Result.fileID(field)
	if fileID == "" {
		return "", fmt.Errorf("telegram %s: response carries no file id", method)
	}
	return t.fileURL(ctx, fileID)
}

func (r telegramResult) fileID(field string) string {
	switch field {
	case "photo":
		// sizes are ascending, the last one is the original resolution
		if n := len(r.Photo); n > 0 {
			return r.Photo[n-1].FileID
		}
	case "video":
		if r.Video != nil {
			return r.Video.FileID
		}
	default:
		if r.Document != nil {
			return r.Document.FileID
		}
		if r.Audio != nil {
			return r.Audio.FileID
		}
	}
	return ""
}

func (t *TelegramRelay) fileURL(ctx context.Context, fileID string) (string, error) {
	var got telegramResponse
	err := t.call(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, t.methodURL("getFile")+"?file_id="+url.QueryEscape(fileID), nil)
	}, &got)
	if err != nil {
		return "", fmt.Errorf("telegram getFile: %w", err)
	}
	if got.Result.FilePath == "" {
		return "", errors.New("telegram getFile: empty file path")
	}
	return fmt.Sprintf("%s/file/bot%s/%s", t.baseURL, t.token, got.Result.FilePath), nil
}

func (t *TelegramRelay) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

func (t *TelegramRelay) multipartBody(field, name string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", t.channelID); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// call retries transport failures, 429 and 5xx with exponential backoff. Other
// API errors are permanent.
func (t *TelegramRelay) call(ctx context.Context, build func() (*http.Request, error), out *telegramResponse) error {
	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if !out.OK {
			return backoff.Permanent(fmt.Errorf("api error (status %d): %s", resp.StatusCode, out.Description))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = t.maxElapsed
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
