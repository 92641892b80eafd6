package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhub/creation-engine/internal/pipeline"
	"github.com/cortexhub/creation-engine/internal/storage"
)

// Result statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobMessage is a creation request carried on the job stream.
// Text input travels as-is; audio and image input as standard base64.
type JobMessage struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	InputKind    pipeline.InputKind `json:"input_kind"`
	Input        []byte             `json:"input"`
	CreationKind string             `json:"creation_kind"`
	Language     string             `json:"language"`
	Created      int64              `json:"created"`
}

// NewJobMessage creates a job message with a generated creation id.
func NewJobMessage(job pipeline.Job) JobMessage {
	return JobMessage{
		ID:           uuid.New().String(),
		UserID:       job.UserID,
		InputKind:    job.InputKind,
		Input:        job.Input,
		CreationKind: job.CreationKind,
		Language:     job.Language,
		Created:      time.Now().Unix(),
	}
}

// Job converts the message to a pipeline job.
func (m JobMessage) Job() pipeline.Job {
	return pipeline.Job{
		UserID:       m.UserID,
		InputKind:    m.InputKind,
		Input:        m.Input,
		CreationKind: m.CreationKind,
		Language:     m.Language,
	}
}

// ToRedisValues converts JobMessage to Redis stream values
func (m JobMessage) ToRedisValues() map[string]interface{} {
	input := string(m.Input)
	if m.InputKind != pipeline.InputText {
		input = base64.StdEncoding.EncodeToString(m.Input)
	}
	return map[string]interface{}{
		"id":            m.ID,
		"user_id":       m.UserID,
		"input_kind":    string(m.InputKind),
		"input":         input,
		"creation_kind": m.CreationKind,
		"language":      m.Language,
		"created":       strconv.FormatInt(m.Created, 10),
	}
}

// JobMessageFromRedisValues parses stream values into a JobMessage
func JobMessageFromRedisValues(values map[string]interface{}) (*JobMessage, error) {
	msg := &JobMessage{}

	if v, ok := values["id"].(string); ok {
		msg.ID = v
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if v, ok := values["user_id"].(string); ok {
		msg.UserID = v
	}
	if v, ok := values["input_kind"].(string); ok {
		kind, err := pipeline.ParseInputKind(v)
		if err != nil {
			return nil, err
		}
		msg.InputKind = kind
	} else {
		msg.InputKind = pipeline.InputText
	}
	if v, ok := values["input"].(string); ok {
		if msg.InputKind == pipeline.InputText {
			msg.Input = []byte(v)
		} else {
			data, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("failed to decode input: %w", err)
			}
			msg.Input = data
		}
	}
	if v, ok := values["creation_kind"].(string); ok {
		msg.CreationKind = v
	}
	if v, ok := values["language"].(string); ok {
		msg.Language = v
	}
	if v, ok := values["created"].(string); ok && v != "" {
		created, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created: %w", err)
		}
		msg.Created = created
	}

	return msg, nil
}

// ResultMessage announces the outcome of a job on the result stream
type ResultMessage struct {
	CreationID     string
	UserID         string
	Status         string
	Stage          string
	Error          string
	Retryable      bool
	URLs           *storage.Published
	ProcessingTime float64
	Finished       int64
}

// ToRedisValues converts ResultMessage to Redis stream values
func (r ResultMessage) ToRedisValues() map[string]interface{} {
	values := map[string]interface{}{
		"creation_id":     r.CreationID,
		"user_id":         r.UserID,
		"status":          r.Status,
		"stage":           r.Stage,
		"error":           r.Error,
		"retryable":       strconv.FormatBool(r.Retryable),
		"processing_time": strconv.FormatFloat(r.ProcessingTime, 'f', 3, 64),
		"finished":        strconv.FormatInt(r.Finished, 10),
	}
	if r.URLs != nil {
		urls, _ := json.Marshal(r.URLs)
		values["urls"] = string(urls)
	}
	return values
}
