package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// Synthetic returns deterministic placeholder images. It is used when no
// provider API key is configured.
type Synthetic struct {
	// Delay simulates provider latency.
	Delay time.Duration
}

func NewSynthetic(delay time.Duration) *Synthetic {
	return &Synthetic{Delay: delay}
}

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Generate(ctx context.Context, req SingleRequest) ([]Image, error) {
	if req.Prompt == "" {
		return nil, NewError(domain.ErrCodeInvalidPrompt, "prompt is required")
	}
	if err := s.wait(ctx); err != nil {
		return nil, FromTransport(err)
	}
	params := req.Params.WithDefaults()
	width, height := SizeDimensions(AspectRatioSize(params.AspectRatio))
	seed := seedFor(req.Prompt + "|" + req.NegativePrompt + "|" + req.InputImage)

	images := make([]Image, 0, params.Variations)
	for i := 0; i < params.Variations; i++ {
		variant := seed + int64(i)
		images = append(images, Image{
			URL:          fmt.Sprintf("https://placehold.co/%dx%d/%s?text=%d", width, height, params.OutputFormat, variant),
			ThumbnailURL: fmt.Sprintf("https://placehold.co/256x256/%s?text=%d", params.OutputFormat, variant),
			Width:        width,
			Height:       height,
			Format:       params.OutputFormat,
			Seed:         variant,
			Model:        "placeholder",
			Provider:     s.Name(),
			Took:         s.Delay,
		})
	}
	return images, nil
}

func (s *Synthetic) GenerateBatch(ctx context.Context, reqs []SingleRequest) ([]BatchItem, error) {
	return generateEach(ctx, s, reqs)
}

func (s *Synthetic) GenerateCharacter(ctx context.Context, req CharacterRequest) ([]Image, error) {
	return s.Generate(ctx, SingleRequest{
		Prompt:    BuildCharacterPrompt(req.Specs, req.Params),
		Params:    req.Params,
		RequestID: req.RequestID,
	})
}

func (s *Synthetic) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func seedFor(s string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum32())
}
