package models

import (
	"fmt"
	"net/url"
	"strings"
)

// TTS models accepted by the generator.
const (
	TTSOpenAI      = "openai"
	TTSElevenLabs  = "elevenlabs"
	TTSEdge        = "edge"
	TTSGemini      = "gemini"
	TTSGeminiMulti = "geminimulti"
)

var validTTSModels = map[string]bool{
	TTSOpenAI:      true,
	TTSElevenLabs:  true,
	TTSEdge:        true,
	TTSGemini:      true,
	TTSGeminiMulti: true,
}

const (
	defaultCreativity     = 0.7
	defaultOutputLanguage = "English"
)

// GenerationRequest is the immutable snapshot of a podcast generation
// request. It is stored with the job at creation and never modified.
type GenerationRequest struct {
	URLs                 []string          `json:"urls,omitempty"`
	Text                 string            `json:"text,omitempty"`
	Topic                string            `json:"topic,omitempty"`
	TTSModel             string            `json:"tts_model"`
	Voices               map[string]string `json:"voices,omitempty"`
	Creativity           *float64          `json:"creativity,omitempty"`
	ConversationStyle    []string          `json:"conversation_style,omitempty"`
	RolesPerson1         string            `json:"roles_person1,omitempty"`
	RolesPerson2         string            `json:"roles_person2,omitempty"`
	DialogueStructure    []string          `json:"dialogue_structure,omitempty"`
	PodcastName          string            `json:"podcast_name,omitempty"`
	PodcastTagline       string            `json:"podcast_tagline,omitempty"`
	OutputLanguage       string            `json:"output_language,omitempty"`
	UserInstructions     string            `json:"user_instructions,omitempty"`
	EngagementTechniques []string          `json:"engagement_techniques,omitempty"`
	IsLongForm           bool              `json:"is_long_form"`
	WebhookURL           string            `json:"webhook_url,omitempty"`
}

// ValidationError describes a malformed or insufficient request. It is
// permanent: retrying the same request never succeeds.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// HasInput reports whether at least one input source is non-empty.
func (r *GenerationRequest) HasInput() bool {
	for _, u := range r.URLs {
		if strings.TrimSpace(u) != "" {
			return true
		}
	}
	return strings.TrimSpace(r.Text) != "" || strings.TrimSpace(r.Topic) != ""
}

// Normalize fills defaults in place.
func (r *GenerationRequest) Normalize() {
	if r.TTSModel == "" {
		r.TTSModel = TTSOpenAI
	}
	if r.Creativity == nil {
		c := defaultCreativity
		r.Creativity = &c
	}
	if r.OutputLanguage == "" {
		r.OutputLanguage = defaultOutputLanguage
	}
	r.WebhookURL = strings.TrimSpace(r.WebhookURL)
}

// Validate checks the request. Call Normalize first.
func (r *GenerationRequest) Validate() error {
	if !r.HasInput() {
		return &ValidationError{Message: "at least one of 'urls', 'text', or 'topic' must be provided"}
	}
	for i, u := range r.URLs {
		if !isHTTPURL(u) {
			return &ValidationError{Field: fmt.Sprintf("urls[%d]", i), Message: "must be an absolute http(s) URL"}
		}
	}
	if !validTTSModels[r.TTSModel] {
		return &ValidationError{Field: "tts_model", Message: fmt.Sprintf("unsupported model %q", r.TTSModel)}
	}
	if r.Creativity != nil && (*r.Creativity < 0 || *r.Creativity > 1) {
		return &ValidationError{Field: "creativity", Message: "must be between 0.0 and 1.0"}
	}
	if r.WebhookURL != "" && !isHTTPURL(r.WebhookURL) {
		return &ValidationError{Field: "webhook_url", Message: "must be an absolute http(s) URL"}
	}
	return nil
}

// ConversationConfig builds the generator's conversation settings.
func (r *GenerationRequest) ConversationConfig() map[string]any {
	creativity := defaultCreativity
	if r.Creativity != nil {
		creativity = *r.Creativity
	}
	return map[string]any{
		"creativity":            creativity,
		"conversation_style":    r.ConversationStyle,
		"roles_person1":         r.RolesPerson1,
		"roles_person2":         r.RolesPerson2,
		"dialogue_structure":    r.DialogueStructure,
		"podcast_name":          r.PodcastName,
		"podcast_tagline":       r.PodcastTagline,
		"output_language":       r.OutputLanguage,
		"user_instructions":     r.UserInstructions,
		"engagement_techniques": r.EngagementTechniques,
		"text_to_speech": map[string]any{
			"default_tts_model": r.TTSModel,
			"default_voices":    r.Voices,
		},
	}
}

// Clone returns a deep copy of r.
func (r GenerationRequest) Clone() GenerationRequest {
	c := r
	c.URLs = append([]string(nil), r.URLs...)
	c.ConversationStyle = append([]string(nil), r.ConversationStyle...)
	c.DialogueStructure = append([]string(nil), r.DialogueStructure...)
	c.EngagementTechniques = append([]string(nil), r.EngagementTechniques...)
	if r.Voices != nil {
		c.Voices = make(map[string]string, len(r.Voices))
		for k, v := range r.Voices {
			c.Voices[k] = v
		}
	}
	if r.Creativity != nil {
		v := *r.Creativity
		c.Creativity = &v
	}
	return c
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
