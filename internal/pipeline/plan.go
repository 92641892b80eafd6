package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cortexhub/creation-engine/internal/pool"
)

// planningPrompt asks the planning model for a JSON plan.
func planningPrompt(creationKind, input string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a viral %s based on this input: %s\n\n", creationKind, input)
	b.WriteString("Respond with a JSON object containing:\n")
	b.WriteString("- title: a catchy title\n")
	b.WriteString("- description: an engaging description\n")
	b.WriteString("- script: a 30-second voiceover narration\n")
	b.WriteString("- image_prompts: 3 to 5 detailed image generation prompts\n")
	b.WriteString("- hashtags: trending and relevant hashtags\n")
	b.WriteString("- share_caption: a caption optimized for social media\n")
	return b.String()
}

// parsePlan extracts a plan from a planning response. The plan may be the
// response itself, nested under "plan", or JSON text inside "response" or "text".
func parsePlan(resp json.RawMessage) (*Plan, error) {
	doc, ok := locatePlan(gjson.ParseBytes(resp))
	if !ok {
		return nil, fmt.Errorf("%w: no plan object in planning response", pool.ErrMalformedResponse)
	}

	var p Plan
	if err := json.Unmarshal([]byte(doc.Raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", pool.ErrMalformedResponse, err)
	}
	if strings.TrimSpace(p.Script) == "" {
		return nil, fmt.Errorf("%w: plan has no script", pool.ErrMalformedResponse)
	}
	prompts := p.ImagePrompts[:0]
	for _, pr := range p.ImagePrompts {
		if pr = strings.TrimSpace(pr); pr != "" {
			prompts = append(prompts, pr)
		}
	}
	p.ImagePrompts = prompts
	return &p, nil
}

func locatePlan(root gjson.Result) (gjson.Result, bool) {
	if !root.IsObject() {
		return gjson.Result{}, false
	}
	if p := root.Get("plan"); p.IsObject() {
		return p, true
	}
	if root.Get("script").Exists() || root.Get("title").Exists() {
		return root, true
	}
	for _, field := range []string{"response", "text"} {
		v := root.Get(field)
		if v.Type != gjson.String {
			continue
		}
		inner := gjson.Parse(stripFence(v.String()))
		if inner.IsObject() {
			return locatePlan(inner)
		}
	}
	return gjson.Result{}, false
}

// stripFence removes a surrounding ``` or ```json block.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
