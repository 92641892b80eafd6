package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/creation-engine/internal/pipeline"
)

type object struct {
	body        []byte
	contentType string
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string]object
	fail    bool
}

func (m *memUploader) Put(_ context.Context, key string, body []byte, contentType string) error {
	if m.fail {
		return errors.New("access denied")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]object)
	}
	m.objects[key] = object{body: append([]byte(nil), body...), contentType: contentType}
	return nil
}

func TestPublish(t *testing.T) {
	up := &memUploader{}
	p := NewPublisher(up, "creations", "https://media.example.com/", zerolog.Nop())

	png := []byte{0x89, 'P', 'N', 'G'}
	mp3 := []byte("ID3audio")
	content := pipeline.Content{
		Text: json.RawMessage(`"long form"`),
		Images: []string{
			"https://img.example.com/remote.png",
			"data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		},
		Voiceover: json.RawMessage(`{"audio_data":"` + base64.StdEncoding.EncodeToString(mp3) + `"}`),
	}

	out, err := p.Publish(context.Background(), "c-1", content)
	require.NoError(t, err)

	assert.Equal(t, "https://media.example.com/creations/c-1/text.json", out.Text)
	assert.Equal(t, []string{
		"https://img.example.com/remote.png",
		"https://media.example.com/creations/c-1/images/1.png",
	}, out.Images)
	assert.Equal(t, "https://media.example.com/creations/c-1/voiceover.mp3", out.Voiceover)

	assert.Len(t, up.objects, 3)
	assert.Equal(t, png, up.objects["creations/c-1/images/1.png"].body)
	assert.Equal(t, "image/png", up.objects["creations/c-1/images/1.png"].contentType)
	assert.Equal(t, mp3, up.objects["creations/c-1/voiceover.mp3"].body)
	assert.Equal(t, "audio/mpeg", up.objects["creations/c-1/voiceover.mp3"].contentType)
	assert.Equal(t, `"long form"`, string(up.objects["creations/c-1/text.json"].body))
}

func TestPublishKeepsRemoteAudio(t *testing.T) {
	up := &memUploader{}
	p := NewPublisher(up, "", "https://media.example.com", zerolog.Nop())

	out, err := p.Publish(context.Background(), "c-2", pipeline.Content{
		Voiceover: json.RawMessage(`{"audio_url":"https://tts.example.com/a.mp3"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://tts.example.com/a.mp3", out.Voiceover)
	assert.Empty(t, up.objects)
}

func TestPublishRejectsBadImage(t *testing.T) {
	p := NewPublisher(&memUploader{}, "", "https://media.example.com", zerolog.Nop())

	_, err := p.Publish(context.Background(), "c-3", pipeline.Content{Images: []string{"data:image/png,notbase64"}})
	assert.Error(t, err)

	_, err = p.Publish(context.Background(), "", pipeline.Content{})
	assert.Error(t, err)
}

func TestPublishUploadFailure(t *testing.T) {
	p := NewPublisher(&memUploader{fail: true}, "", "https://media.example.com", zerolog.Nop())

	_, err := p.Publish(context.Background(), "c-4", pipeline.Content{Text: json.RawMessage(`"t"`)})
	assert.ErrorContains(t, err, "access denied")
}

func TestDecodeInline(t *testing.T) {
	mime, data, err := decodeInline("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpg")))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
	assert.Equal(t, []byte("jpg"), data)

	mime, data, err = decodeInline(base64.StdEncoding.EncodeToString([]byte("raw")))
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", mime)
	assert.Equal(t, []byte("raw"), data)

	_, _, err = decodeInline("data:text/plain,hello")
	assert.Error(t, err)
}

func TestBucketURL(t *testing.T) {
	assert.Equal(t, "https://media.s3.amazonaws.com", BucketURL("media", "us-east-1"))
	assert.Equal(t, "https://media.s3.eu-west-1.amazonaws.com", BucketURL("media", "eu-west-1"))
}
