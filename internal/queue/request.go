package queue

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// Request is an admission request. Payload selects the job variant.
type Request struct {
	UserID      string
	Priority    domain.Priority
	ScheduledAt *time.Time
	Payload     Payload
}

// Payload is implemented by CharacterPayload, BatchPayload and SinglePayload.
type Payload interface {
	JobType() domain.JobType
	isPayload()
}

type CharacterPayload struct {
	CharacterID string                  `json:"characterId,omitempty" validate:"max=128"`
	Specs       domain.CharacterSpecs   `json:"characterSpecs"`
	Params      domain.GenerationParams `json:"generationParams"`
}

type BatchPayload struct {
	BatchID  string          `json:"batchId,omitempty" validate:"max=128"`
	Requests []SinglePayload `json:"requests" validate:"dive"`
}

type SinglePayload struct {
	Prompt         string                  `json:"prompt" validate:"required,max=4000"`
	NegativePrompt string                  `json:"negativePrompt,omitempty" validate:"max=2000"`
	Params         domain.GenerationParams `json:"generationParams"`
	InputImage     string                  `json:"inputImage,omitempty"`
}

func (CharacterPayload) JobType() domain.JobType { return domain.JobTypeCharacter }
func (BatchPayload) JobType() domain.JobType     { return domain.JobTypeBatch }
func (SinglePayload) JobType() domain.JobType    { return domain.JobTypeSingle }

func (CharacterPayload) isPayload() {}
func (BatchPayload) isPayload()     {}
func (SinglePayload) isPayload()    {}

// maxInputImageBytes bounds decoded image-to-image inputs.
const maxInputImageBytes = 10 << 20

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func (s *Service) validateRequest(req Request) error {
	var problems []string
	if req.Priority != "" && !req.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("priority %q is not one of low, normal, high, urgent", req.Priority))
	}
	switch p := req.Payload.(type) {
	case CharacterPayload:
		problems = append(problems, s.structProblems(p)...)
		if p.Specs.Description != "" && strings.TrimSpace(p.Specs.Description) == "" {
			problems = append(problems, "characterSpecs.description must not be blank")
		}
	case BatchPayload:
		if n := len(p.Requests); n < 1 || n > domain.MaxBatchSize {
			problems = append(problems, fmt.Sprintf("batch must contain between 1 and %d requests, got %d", domain.MaxBatchSize, n))
			break
		}
		problems = append(problems, s.structProblems(p)...)
		for i, r := range p.Requests {
			problems = append(problems, singleProblems(r, fmt.Sprintf("requests[%d].", i))...)
		}
	case SinglePayload:
		problems = append(problems, s.structProblems(p)...)
		problems = append(problems, singleProblems(p, "")...)
	case nil:
		problems = append(problems, "type must be one of character, batch, single")
	default:
		return fmt.Errorf("%w: %T", domain.ErrUnknownJobType, p)
	}
	if len(problems) > 0 {
		return domain.NewValidationError(problems...)
	}
	return nil
}

func (s *Service) structProblems(v any) []string {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.SplitN(fe.Namespace(), ".", 2)
		name := fe.Namespace()
		if len(field) == 2 {
			name = field[1]
		}
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s failed %s=%s", name, fe.Tag(), fe.Param()))
		} else {
			out = append(out, fmt.Sprintf("%s failed %s", name, fe.Tag()))
		}
	}
	return out
}

func singleProblems(p SinglePayload, prefix string) []string {
	var problems []string
	if p.Prompt != "" && strings.TrimSpace(p.Prompt) == "" {
		problems = append(problems, prefix+"prompt must not be blank")
	}
	if p.InputImage != "" {
		if err := checkInputImage(p.InputImage); err != nil {
			problems = append(problems, prefix+"inputImage "+err.Error())
		}
	}
	return problems
}

// checkInputImage accepts http(s) URLs as-is and requires inline data (a data
// URI or raw base64) to sniff as an image.
func checkInputImage(raw string) error {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://") {
		return nil
	}
	if strings.HasPrefix(raw, "data:") {
		comma := strings.IndexByte(raw, ',')
		if comma < 0 || !strings.Contains(raw[:comma], ";base64") {
			return errors.New("must be a base64 data URI")
		}
		raw = raw[comma+1:]
	}
	if base64.StdEncoding.DecodedLen(len(raw)) > maxInputImageBytes {
		return fmt.Errorf("exceeds %d bytes", maxInputImageBytes)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return errors.New("is not valid base64")
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return fmt.Errorf("must be an image, detected %s", mt.String())
	}
	return nil
}
