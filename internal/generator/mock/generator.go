package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/kiranshivaraju/podcastd/internal/generator"
)

// Generator satisfies generator.Generator for testing.
type Generator struct {
	GenerateFunc func(ctx context.Context, in generator.Input) (generator.Artifact, error)
	ReadyFunc    func(ctx context.Context) error

	calls atomic.Int32
}

func (g *Generator) Generate(ctx context.Context, in generator.Input) (generator.Artifact, error) {
	g.calls.Add(1)
	if g.GenerateFunc != nil {
		return g.GenerateFunc(ctx, in)
	}
	return generator.Artifact{}, nil
}

func (g *Generator) Ready(ctx context.Context) error {
	if g.ReadyFunc != nil {
		return g.ReadyFunc(ctx)
	}
	return nil
}

// Calls returns how many times Generate was invoked.
func (g *Generator) Calls() int {
	return int(g.calls.Load())
}

// NewGenerator returns a Generator that writes a small audio file and a
// transcript under dir and returns their paths.
func NewGenerator(dir string) *Generator {
	var seq atomic.Int64
	return &Generator{
		GenerateFunc: func(_ context.Context, in generator.Input) (generator.Artifact, error) {
			n := seq.Add(1)
			audio := filepath.Join(dir, fmt.Sprintf("podcast-%d.mp3", n))
			transcript := filepath.Join(dir, fmt.Sprintf("podcast-%d.txt", n))
			if err := os.WriteFile(audio, []byte("ID3 mock audio"), 0o644); err != nil {
				return generator.Artifact{}, err
			}
			script := "<Person1>" + in.Text + in.Topic + "</Person1>"
			if err := os.WriteFile(transcript, []byte(script), 0o644); err != nil {
				return generator.Artifact{}, err
			}
			return generator.Artifact{AudioPath: audio, TranscriptPath: transcript}, nil
		},
	}
}

// NewFailingGenerator returns a Generator that always returns the given error.
func NewFailingGenerator(err error) *Generator {
	return &Generator{
		GenerateFunc: func(_ context.Context, _ generator.Input) (generator.Artifact, error) {
			return generator.Artifact{}, err
		},
		ReadyFunc: func(_ context.Context) error { return err },
	}
}

// NewTimeoutGenerator returns a Generator that blocks until its context is cancelled.
func NewTimeoutGenerator() *Generator {
	return &Generator{
		GenerateFunc: func(ctx context.Context, _ generator.Input) (generator.Artifact, error) {
			<-ctx.Done()
			return generator.Artifact{}, fmt.Errorf("%w: %w", generator.ErrTransient, ctx.Err())
		},
	}
}

// NewHangingGenerator returns a Generator that ignores its context and only
// returns once release is closed.
func NewHangingGenerator(release <-chan struct{}) *Generator {
	return &Generator{
		GenerateFunc: func(_ context.Context, _ generator.Input) (generator.Artifact, error) {
			<-release
			return generator.Artifact{AudioPath: "/nonexistent/late.mp3"}, nil
		},
	}
}

var _ generator.Generator = (*Generator)(nil)
