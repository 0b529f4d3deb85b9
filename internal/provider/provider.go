// Package provider defines the contract for external image-generation
// services and ships an HTTP client and a synthetic implementation.
package provider

import (
	"context"
	"time"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// SingleRequest is a plain prompt-to-image call.
type SingleRequest struct {
	Prompt         string
	NegativePrompt string
	Params         domain.GenerationParams
	InputImage     string
	RequestID      string
}

// CharacterRequest renders a character from its specs.
type CharacterRequest struct {
	CharacterID string
	Specs       domain.CharacterSpecs
	Params      domain.GenerationParams
	RequestID   string
}

// Image is one generated asset as reported by the provider.
type Image struct {
	URL          string
	ThumbnailURL string
	Width        int
	Height       int
	Format       string
	FileSize     int64
	Seed         int64
	Model        string
	Provider     string
	Cost         *float64
	Took         time.Duration
}

// BatchItem is the outcome of one request inside a batch. Exactly one of
// Images and Err is set.
type BatchItem struct {
	Index  int
	Images []Image
	Err    error
}

// Provider is implemented by every image generation backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req SingleRequest) ([]Image, error)
	GenerateBatch(ctx context.Context, reqs []SingleRequest) ([]BatchItem, error)
	GenerateCharacter(ctx context.Context, req CharacterRequest) ([]Image, error)
}
