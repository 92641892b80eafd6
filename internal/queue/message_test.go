package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/creation-engine/internal/pipeline"
	"github.com/cortexhub/creation-engine/internal/storage"
)

func TestJobMessageRedisValues(t *testing.T) {
	msg := NewJobMessage(pipeline.Job{
		UserID:       "u-1",
		InputKind:    pipeline.InputAudio,
		Input:        []byte{0x00, 0xff, 0x10},
		CreationKind: "podcast",
		Language:     "de",
	})
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Created)

	values := msg.ToRedisValues()
	assert.Equal(t, "AP8Q", values["input"])

	parsed, err := JobMessageFromRedisValues(values)
	require.NoError(t, err)
	assert.Equal(t, msg, *parsed)
	assert.Equal(t, pipeline.Job{UserID: "u-1", InputKind: pipeline.InputAudio, Input: []byte{0x00, 0xff, 0x10}, CreationKind: "podcast", Language: "de"}, parsed.Job())
}

func TestJobMessageTextInputIsPlain(t *testing.T) {
	values := JobMessage{ID: "c-1", InputKind: pipeline.InputText, Input: []byte("my life story")}.ToRedisValues()
	assert.Equal(t, "my life story", values["input"])
}

func TestJobMessageFromRedisValuesErrors(t *testing.T) {
	_, err := JobMessageFromRedisValues(map[string]interface{}{"input": "x"})
	assert.Error(t, err)

	_, err = JobMessageFromRedisValues(map[string]interface{}{"id": "c", "input_kind": "video"})
	assert.ErrorIs(t, err, pipeline.ErrInvalidJob)

	_, err = JobMessageFromRedisValues(map[string]interface{}{"id": "c", "input_kind": "image", "input": "%%%"})
	assert.Error(t, err)

	msg, err := JobMessageFromRedisValues(map[string]interface{}{"id": "c", "input": "plain"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.InputText, msg.InputKind)
}

func TestResultMessageRedisValues(t *testing.T) {
	values := ResultMessage{
		CreationID:     "c-1",
		Status:         StatusCompleted,
		URLs:           &storage.Published{Images: []string{"https://img/1.png"}},
		ProcessingTime: 1.5,
		Finished:       1700000000,
	}.ToRedisValues()

	assert.Equal(t, "1.500", values["processing_time"])
	assert.Equal(t, "false", values["retryable"])
	assert.JSONEq(t, `{"images":["https://img/1.png"]}`, values["urls"].(string))
}
