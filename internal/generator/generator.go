// Package generator is the adapter to the podcast generation collaborator.
// The engine treats generation as an opaque call: input in, local artifact
// files out.
package generator

import (
	"context"
	"errors"
	"strings"

	"github.com/kiranshivaraju/podcastd/pkg/models"
)

// Sentinel errors for generation failures.
var (
	// ErrTransient covers failures worth retrying: transport errors,
	// timeouts and 5xx responses.
	ErrTransient = errors.New("generator temporarily unavailable")
	// ErrRejected means the generator refused the input. Retrying the same
	// input will not help.
	ErrRejected = errors.New("generator rejected input")
	// ErrInvalidResponse means the generator answered but the answer was unusable.
	ErrInvalidResponse = errors.New("generator returned invalid response")
)

// Generator produces podcast artifacts from a request snapshot.
type Generator interface {
	Generate(ctx context.Context, in Input) (Artifact, error)
	Ready(ctx context.Context) error
}

// Input is the generator's view of a GenerationRequest.
type Input struct {
	URLs               []string       `json:"urls,omitempty"`
	Text               string         `json:"text,omitempty"`
	Topic              string         `json:"topic,omitempty"`
	TTSModel           string         `json:"tts_model"`
	LongForm           bool           `json:"longform"`
	ConversationConfig map[string]any `json:"conversation_config"`
}

// InputFrom builds generator input from a request snapshot.
func InputFrom(req models.GenerationRequest) Input {
	return Input{
		URLs:               append([]string(nil), req.URLs...),
		Text:               req.Text,
		Topic:              req.Topic,
		TTSModel:           req.TTSModel,
		LongForm:           req.IsLongForm,
		ConversationConfig: req.ConversationConfig(),
	}
}

// Artifact points at the files written by the generator. TranscriptPath is
// empty when no transcript was produced.
type Artifact struct {
	AudioPath      string `json:"audio_path"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

// TranscriptPathFor returns the conventional transcript location for an
// audio file: the audio directory swapped for transcripts and .mp3 for .txt.
func TranscriptPathFor(audioPath string) string {
	p := strings.Replace(audioPath, "/audio/", "/transcripts/", 1)
	return strings.TrimSuffix(p, ".mp3") + ".txt"
}

// IsPermanent reports whether err should fail a job without retrying.
func IsPermanent(err error) bool {
	var ve *models.ValidationError
	return errors.Is(err, ErrRejected) || errors.As(err, &ve)
}
