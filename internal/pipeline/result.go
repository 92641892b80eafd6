package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Plan is the structured outline produced by the planning model.
type Plan struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Script       string   `json:"script"`
	ImagePrompts []string `json:"image_prompts"`
	Hashtags     []string `json:"hashtags"`
	ShareCaption string   `json:"share_caption"`
}

// Content is the generated artifact. Keys added by the quality check that
// have no dedicated field are kept in Extra.
type Content struct {
	Text      json.RawMessage
	Images    []string
	Voiceover json.RawMessage
	Plan      *Plan
	Extra     map[string]json.RawMessage
}

// Metadata describes how a result was produced
type Metadata struct {
	CreationKind          string    `json:"creation_kind"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	CreatedAt             time.Time `json:"created_at"`
}

// Result is the outcome of a successful pipeline run
type Result struct {
	Content  Content  `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// MarshalJSON writes Content as one flat object. Extra keys are emitted in
// sorted order so equal contents encode to equal bytes.
func (c Content) MarshalJSON() ([]byte, error) {
	out := []byte("{}")
	var err error
	set := func(key string, raw []byte) {
		if err == nil {
			out, err = sjson.SetRawBytes(out, escapeKey(key), raw)
		}
	}

	if len(c.Text) > 0 {
		set("text", c.Text)
	}
	if c.Images != nil {
		raw, mErr := json.Marshal(c.Images)
		if mErr != nil {
			return nil, mErr
		}
		set("images", raw)
	}
	if len(c.Voiceover) > 0 {
		set("voiceover", c.Voiceover)
	}
	if c.Plan != nil {
		raw, mErr := json.Marshal(c.Plan)
		if mErr != nil {
			return nil, mErr
		}
		set("plan", raw)
	}

	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(c.Extra[k]) > 0 {
			set(k, c.Extra[k])
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	return out, nil
}

// UnmarshalJSON reads a flat content object. Known keys whose value does not
// fit the field type are kept in Extra.
func (c *Content) UnmarshalJSON(data []byte) error {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("content must be a JSON object")
	}

	*c = Content{}
	var err error
	root.ForEach(func(key, value gjson.Result) bool {
		raw := json.RawMessage(value.Raw)
		switch k := key.String(); k {
		case "text":
			c.Text = cloneRaw(raw)
		case "voiceover":
			c.Voiceover = cloneRaw(raw)
		case "images":
			if !value.IsArray() {
				c.addExtra(k, raw)
				break
			}
			c.Images = make([]string, 0, len(value.Array()))
			for _, img := range value.Array() {
				c.Images = append(c.Images, img.String())
			}
		case "plan":
			if !value.IsObject() {
				c.addExtra(k, raw)
				break
			}
			var p Plan
			if err = json.Unmarshal(raw, &p); err != nil {
				return false
			}
			c.Plan = &p
		default:
			c.addExtra(k, raw)
		}
		return true
	})
	return err
}

func (c *Content) addExtra(key string, raw json.RawMessage) {
	if c.Extra == nil {
		c.Extra = make(map[string]json.RawMessage)
	}
	c.Extra[key] = cloneRaw(raw)
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{Metadata: r.Metadata}
	out.Content.Text = cloneRaw(r.Content.Text)
	out.Content.Voiceover = cloneRaw(r.Content.Voiceover)
	if r.Content.Images != nil {
		out.Content.Images = append([]string{}, r.Content.Images...)
	}
	if r.Content.Plan != nil {
		p := *r.Content.Plan
		p.ImagePrompts = append([]string(nil), p.ImagePrompts...)
		p.Hashtags = append([]string(nil), p.Hashtags...)
		out.Content.Plan = &p
	}
	if r.Content.Extra != nil {
		out.Content.Extra = make(map[string]json.RawMessage, len(r.Content.Extra))
		for k, v := range r.Content.Extra {
			out.Content.Extra[k] = cloneRaw(v)
		}
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage{}, raw...)
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// escapeKey turns an object key into a literal sjson path.
func escapeKey(key string) string {
	return keyEscaper.Replace(key)
}
