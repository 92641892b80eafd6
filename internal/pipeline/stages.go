package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/cortexhub/creation-engine/internal/config"
	"github.com/cortexhub/creation-engine/internal/metrics"
	"github.com/cortexhub/creation-engine/internal/pool"
)

// Remote operations.
const (
	opTranscribe   = "transcribe"
	opAnalyze      = "analyze"
	opGenerate     = "generate"
	opSynthesize   = "synthesize"
	opQualityCheck = "quality_check"
)

const (
	textMaxLength = 500
	imageSize     = "1024x1024"
	voiceStyle    = "natural"
	voiceSpeed    = 1.0
)

type transcribeRequest struct {
	Audio string `json:"audio"`
}

type analyzeRequest struct {
	Image string `json:"image"`
}

type planRequest struct {
	Prompt string `json:"prompt"`
	Format string `json:"format"`
}

type textRequest struct {
	Plan      *Plan  `json:"plan"`
	Type      string `json:"type"`
	MaxLength int    `json:"max_length"`
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

type speechRequest struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Voice    string  `json:"voice"`
	Speed    float64 `json:"speed"`
}

type qualityRequest struct {
	Content Content `json:"content"`
}

func (o *Orchestrator) runStages(ctx context.Context, job Job, log zerolog.Logger) (*Content, error) {
	var input string
	err := o.stage(ctx, StateNormalizing, log, func(ctx context.Context) error {
		var err error
		input, err = o.normalize(ctx, job)
		return err
	})
	if err != nil {
		return nil, err
	}

	var plan *Plan
	err = o.stage(ctx, StatePlanning, log, func(ctx context.Context) error {
		var err error
		plan, err = o.plan(ctx, job.CreationKind, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	var content *Content
	err = o.stage(ctx, StateGenerating, log, func(ctx context.Context) error {
		var err error
		content, err = o.generate(ctx, job, plan)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = o.stage(ctx, StateQualityChecking, log, func(ctx context.Context) error {
		var err error
		content, err = o.qualityCheck(ctx, content)
		return err
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// stage runs one step, records its duration and wraps any failure.
func (o *Orchestrator) stage(ctx context.Context, state State, log zerolog.Logger, fn func(context.Context) error) error {
	start := o.now()
	log.Debug().Str("state", string(state)).Msg("stage started")

	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(string(state)).Observe(o.now().Sub(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && isContextError(err) {
			return ctxErr
		}
		return &StageError{Stage: state, Err: err}
	}
	return nil
}

func (o *Orchestrator) normalize(ctx context.Context, job Job) (string, error) {
	switch job.InputKind {
	case InputAudio:
		resp, err := o.pools[config.ModelSpeechToText].Invoke(ctx, opTranscribe,
			transcribeRequest{Audio: hex.EncodeToString(job.Input)})
		if err != nil {
			return "", err
		}
		return requireString(resp, "text")
	case InputImage:
		resp, err := o.pools[config.ModelVision].Invoke(ctx, opAnalyze,
			analyzeRequest{Image: hex.EncodeToString(job.Input)})
		if err != nil {
			return "", err
		}
		return requireString(resp, "description")
	default:
		return string(job.Input), nil
	}
}

func (o *Orchestrator) plan(ctx context.Context, creationKind, input string) (*Plan, error) {
	resp, err := o.pools[config.ModelPlanning].Invoke(ctx, opGenerate, planRequest{
		Prompt: planningPrompt(creationKind, input),
		Format: "json",
	})
	if err != nil {
		return nil, err
	}
	return parsePlan(resp)
}

// generate fans out text, image and speech generation. The first failure
// cancels the calls still in flight.
func (o *Orchestrator) generate(ctx context.Context, job Job, plan *Plan) (*Content, error) {
	var (
		text      json.RawMessage
		voiceover json.RawMessage
		images    []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := o.pools[config.ModelTextGeneration].Invoke(gctx, opGenerate, textRequest{
			Plan:      plan,
			Type:      job.CreationKind,
			MaxLength: textMaxLength,
		})
		if err != nil {
			return fmt.Errorf("text generation: %w", err)
		}
		if t := gjson.GetBytes(resp, "text"); t.Exists() {
			text = json.RawMessage(t.Raw)
		} else {
			text = resp
		}
		return nil
	})
	g.Go(func() error {
		var err error
		images, err = o.generateImages(gctx, plan.ImagePrompts)
		if err != nil {
			return fmt.Errorf("image generation: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		resp, err := o.pools[config.ModelSpeechSynthesis].Invoke(gctx, opSynthesize, speechRequest{
			Text:     plan.Script,
			Language: job.Language,
			Voice:    voiceStyle,
			Speed:    voiceSpeed,
		})
		if err != nil {
			return fmt.Errorf("speech synthesis: %w", err)
		}
		voiceover = resp
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Content{
		Text:      text,
		Images:    images,
		Voiceover: voiceover,
		Plan:      plan,
	}, nil
}

// generateImages renders up to maxImages prompts concurrently and returns the
// image references in prompt order.
func (o *Orchestrator) generateImages(ctx context.Context, prompts []string) ([]string, error) {
	if len(prompts) > o.maxImages {
		prompts = prompts[:o.maxImages]
	}
	images := make([]string, len(prompts))

	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		g.Go(func() error {
			resp, err := o.pools[config.ModelImageGeneration].Invoke(gctx, opGenerate, imageRequest{
				Prompt: prompt,
				Size:   imageSize,
			})
			if err != nil {
				return err
			}
			url, err := requireString(resp, "image_url")
			if err != nil {
				return err
			}
			images[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// qualityCheck sends the content for review and applies any returned
// optimizations. Optimization keys replace content keys of the same name.
// The returned content is always decoded from its own encoding, so it is
// byte-identical to what a later cache read yields.
func (o *Orchestrator) qualityCheck(ctx context.Context, content *Content) (*Content, error) {
	resp, err := o.pools[config.ModelVision].Invoke(ctx, opQualityCheck, qualityRequest{Content: *content})
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("%w: content: %v", pool.ErrMalformedResponse, err)
	}
	if opts := gjson.GetBytes(resp, "optimizations"); opts.IsObject() {
		opts.ForEach(func(key, value gjson.Result) bool {
			doc, err = sjson.SetRawBytes(doc, escapeKey(key.String()), []byte(value.Raw))
			return err == nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to apply optimizations: %w", err)
		}
		// re-encode to compact the inserted values
		if doc, err = json.Marshal(json.RawMessage(doc)); err != nil {
			return nil, fmt.Errorf("%w: optimizations: %v", pool.ErrMalformedResponse, err)
		}
	}

	var merged Content
	if err := json.Unmarshal(doc, &merged); err != nil {
		return nil, fmt.Errorf("%w: optimizations: %v", pool.ErrMalformedResponse, err)
	}
	return &merged, nil
}

// requireString reads a non-empty string field from a response.
func requireString(resp json.RawMessage, field string) (string, error) {
	v := gjson.GetBytes(resp, field)
	if v.Type != gjson.String || strings.TrimSpace(v.String()) == "" {
		return "", fmt.Errorf("%w: missing %q", pool.ErrMalformedResponse, field)
	}
	return v.String(), nil
}
