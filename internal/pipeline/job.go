// Package pipeline runs creation jobs through the four generation stages.
package pipeline

import (
	"errors"
	"fmt"
)

// InputKind is the modality of a job's input.
type InputKind string

const (
	InputText  InputKind = "text"
	InputAudio InputKind = "audio"
	InputImage InputKind = "image"
)

const (
	DefaultCreationKind = "general"
	DefaultLanguage     = "en"
)

// ErrInvalidJob marks a job that can never succeed as submitted.
var ErrInvalidJob = errors.New("invalid job")

// Job is one request to produce a creation. It is not modified once submitted.
type Job struct {
	UserID       string    `json:"user_id"`
	InputKind    InputKind `json:"input_kind"`
	Input        []byte    `json:"input"`
	CreationKind string    `json:"creation_kind"`
	Language     string    `json:"language"`
}

// ParseInputKind accepts text, audio or image.
func ParseInputKind(s string) (InputKind, error) {
	switch k := InputKind(s); k {
	case InputText, InputAudio, InputImage:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown input kind %q", ErrInvalidJob, s)
}

// withDefaults validates the job and fills optional fields.
func (j Job) withDefaults(language string) (Job, error) {
	if _, err := ParseInputKind(string(j.InputKind)); err != nil {
		return Job{}, err
	}
	if len(j.Input) == 0 {
		return Job{}, fmt.Errorf("%w: empty input", ErrInvalidJob)
	}
	if j.CreationKind == "" {
		j.CreationKind = DefaultCreationKind
	}
	if j.Language == "" {
		j.Language = language
	}
	if j.Language == "" {
		j.Language = DefaultLanguage
	}
	return j, nil
}
