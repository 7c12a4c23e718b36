package media

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-realtime/internal/config"
)

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x), A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCompressPhotoShrinksWideImages(t *testing.T) {
	out, err := CompressPhoto(pngOf(t, 3000, 300))
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 1920, img.Bounds().Dx())
	assert.Equal(t, 192, img.Bounds().Dy())
}

func TestCompressPhotoNeverEnlarges(t *testing.T) {
	out, err := CompressPhoto(pngOf(t, 640, 480))
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
}

func TestCompressPhotoRejectsGarbage(t *testing.T) {
	_, err := CompressPhoto([]byte("not an image"))
	assert.Error(t, err)
}

func TestNormalizeKind(t *testing.T) {
	assert.Equal(t, KindPhoto, NormalizeKind("Photo"))
	assert.Equal(t, KindPhoto, NormalizeKind("image"))
	assert.Equal(t, KindVideo, NormalizeKind("video"))
	assert.Equal(t, KindAudio, NormalizeKind("audio"))
	assert.Equal(t, KindDoc, NormalizeKind(""))
	assert.Equal(t, KindDoc, NormalizeKind("pdf"))
}

func TestJPEGName(t *testing.T) {
	assert.Equal(t, "holiday.jpg", jpegName("holiday.png"))
	assert.Equal(t, "photo.jpg", jpegName(""))
	assert.Equal(t, "scan.jpg", jpegName("scan"))
}

type telegramStub struct {
	failures   int32
	calls      atomic.Int32
	lastMethod atomic.Value
}

func (s *telegramStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendPhoto"), strings.HasSuffix(r.URL.Path, "/sendDocument"), strings.HasSuffix(r.URL.Path, "/sendVideo"):
			if atomic.AddInt32(&s.failures, -1) >= 0 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			assert.NoError(t, r.ParseMultipartForm(32<<20))
			assert.Equal(t, "-100123", r.FormValue("chat_id"))
			method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			s.lastMethod.Store(method)
			switch method {
			case "sendPhoto":
				_, _, err := r.FormFile("photo")
				assert.NoError(t, err)
				_, _ = w.Write([]byte(`{"ok":true,"result":{"photo":[{"file_id":"small"},{"file_id":"large"}]}}`))
			case "sendVideo":
				_, _ = w.Write([]byte(`{"ok":true,"result":{"video":{"file_id":"vid"}}}`))
			default:
				_, _ = w.Write([]byte(`{"ok":true,"result":{"document":{"file_id":"doc"}}}`))
			}
		case strings.HasSuffix(r.URL.Path, "/getFile"):
			id := r.URL.Query().Get("file_id")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]string{"file_id": id, "file_path": "files/" + id},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Not Found"}`))
		}
	})
}

func TestTelegramStorePhoto(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	relay := NewTelegramRelay(srv.URL, "TOKEN", "-100123", srv.Client())
	link, err := relay.Store(context.Background(), "alice", Upload{FileName: "a.png", Kind: KindPhoto, Data: pngOf(t, 10, 10)})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/file/botTOKEN/files/large", link)
	assert.Equal(t, "sendPhoto", stub.lastMethod.Load())
}

func TestTelegramStoreDocumentAndVideo(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	relay := NewTelegramRelay(srv.URL, "TOKEN", "-100123", srv.Client())

	link, err := relay.Store(context.Background(), "alice", Upload{FileName: "a.pdf", Kind: "doc", Data: []byte("%PDF")})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(link, "/files/doc"))

	link, err = relay.Store(context.Background(), "alice", Upload{FileName: "a.mp4", Kind: KindVideo, Data: []byte("mp4")})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(link, "/files/vid"))
}

func TestTelegramRetriesServerErrors(t *testing.T) {
	stub := &telegramStub{failures: 2}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	relay := NewTelegramRelay(srv.URL, "TOKEN", "-100123", srv.Client())

	_, err := relay.Store(context.Background(), "alice", Upload{FileName: "a.txt", Data: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, int32(4), stub.calls.Load(), "two failures, one send, one getFile")
}

func TestTelegramAPIErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()
	relay := NewTelegramRelay(srv.URL, "TOKEN", "-100123", srv.Client())

	_, err := relay.Store(context.Background(), "alice", Upload{FileName: "a.txt", Data: []byte("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(1), calls.Load())
}

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.input = input
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(input.Body)
	f.body = buf.Bytes()
	return &manager.UploadOutput{}, f.err
}

func TestS3StorePublicURL(t *testing.T) {
	up := &fakeUploader{}
	relay := &S3Relay{uploader: up, bucket: "chat-media", region: "eu-west-1", publicRead: true}

	link, err := relay.Store(context.Background(), "alice", Upload{FileName: "notes.txt", ContentType: "text/plain", Data: []byte("hello")})
	require.NoError(t, err)

	key := *up.input.Key
	assert.True(t, strings.HasPrefix(key, "alice/"))
	assert.True(t, strings.HasSuffix(key, "_notes.txt"))
	assert.Equal(t, "text/plain", *up.input.ContentType)
	assert.Equal(t, []byte("hello"), up.body)
	assert.Equal(t, "https://chat-media.s3.eu-west-1.amazonaws.com/"+key, link)
}

func TestS3StorePresignsPrivateObjectsAndCompressesPhotos(t *testing.T) {
	up := &fakeUploader{}
	var presignedKey string
	relay := &S3Relay{
		uploader:   up,
		bucket:     "chat-media",
		presignTTL: time.Hour,
		presign: func(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
			presignedKey = key
			return "https://signed.example/" + key, nil
		},
	}

	link, err := relay.Store(context.Background(), "bob", Upload{FileName: "cat.png", Kind: KindPhoto, Data: pngOf(t, 2500, 100)})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", *up.input.ContentType)
	assert.True(t, strings.HasSuffix(*up.input.Key, "_cat.jpg"))
	assert.Equal(t, "https://signed.example/"+presignedKey, link)

	img, err := imaging.Decode(bytes.NewReader(up.body))
	require.NoError(t, err)
	assert.Equal(t, 1920, img.Bounds().Dx())
}

func TestS3StoreUploadError(t *testing.T) {
	relay := &S3Relay{uploader: &fakeUploader{err: assert.AnError}, bucket: "b", publicRead: true}
	_, err := relay.Store(context.Background(), "bob", Upload{FileName: "x", Data: []byte("x")})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestNewRelaySelection(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	relay, err := NewRelay(ctx, config.MediaConfig{}, logger)
	require.NoError(t, err)
	assert.Nil(t, relay)

	relay, err = NewRelay(ctx, config.MediaConfig{Backend: "telegram", Telegram: config.TelegramConfig{BotToken: "t", ChannelID: "c"}}, logger)
	require.NoError(t, err)
	assert.Equal(t, "telegram", relay.Name())

	_, err = NewRelay(ctx, config.MediaConfig{Backend: "telegram"}, logger)
	assert.Error(t, err)

	_, err = NewRelay(ctx, config.MediaConfig{Backend: "ftp"}, logger)
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}
