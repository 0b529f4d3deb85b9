package provider

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// DefaultNegativePrompt captures artefacts we want the model to avoid.
const DefaultNegativePrompt = "low quality, blurry, distorted, incorrect anatomy, extra limbs, text artefacts, watermark"

// BuildCharacterPrompt turns character specs into a text-to-image instruction.
func BuildCharacterPrompt(specs domain.CharacterSpecs, params domain.GenerationParams) string {
	title := cases.Title(language.Und)
	var lines []string

	name := strings.TrimSpace(specs.Name)
	if name != "" {
		lines = append(lines, fmt.Sprintf("Character portrait of %s.", title.String(name)))
	} else {
		lines = append(lines, "Character portrait.")
	}
	if desc := strings.TrimSpace(specs.Description); desc != "" {
		lines = append(lines, strings.TrimSuffix(desc, ".")+".")
	}
	if appearance := strings.TrimSpace(specs.Appearance); appearance != "" {
		lines = append(lines, fmt.Sprintf("Appearance: %s.", strings.TrimSuffix(appearance, ".")))
	}
	if personality := strings.TrimSpace(specs.Personality); personality != "" {
		lines = append(lines, fmt.Sprintf("Expression and pose should convey: %s.", strings.TrimSuffix(personality, ".")))
	}
	if background := strings.TrimSpace(specs.Background); background != "" {
		lines = append(lines, fmt.Sprintf("Setting: %s.", strings.TrimSuffix(background, ".")))
	}

	traits := make([]string, 0, len(specs.Traits))
	for _, t := range specs.Traits {
		if t = strings.TrimSpace(t); t != "" {
			traits = append(traits, strings.ToLower(t))
		}
	}
	if len(traits) > 0 {
		lines = append(lines, "Traits: "+strings.Join(traits, ", ")+".")
	}

	params = params.WithDefaults()
	if style := strings.TrimSpace(params.Style); style != "" {
		lines = append(lines, fmt.Sprintf("Art style: %s.", style))
	}
	lines = append(lines, fmt.Sprintf("Render with %s quality, consistent lighting, and a clean silhouette.", params.Quality))

	return strings.Join(lines, "\n")
}

// AspectRatioSize maps an aspect ratio to the provider size token.
func AspectRatioSize(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return "1664*928"
	case "4:3":
		return "1472*1104"
	case "3:4":
		return "1104*1472"
	case "9:16":
		return "928*1664"
	default:
		return "1328*1328"
	}
}

// SizeDimensions parses a size token such as "1328*1328".
func SizeDimensions(size string) (int, int) {
	var w, h int
	if _, err := fmt.Sscanf(size, "%d*%d", &w, &h); err != nil {
		return 0, 0
	}
	return w, h
}
