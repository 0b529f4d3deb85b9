package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/infra"
)

const (
	defaultBaseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	defaultModel   = "qwen-image-plus"
	generationPath = "/services/aigc/multimodal-generation/generation"
)

// Options configures the HTTP provider client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	Watermark      bool
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// HTTPClient calls a DashScope-compatible multimodal generation endpoint.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	model      string
	watermark  bool
	httpClient *http.Client
	logger     *infra.Logger
}

type generationRequest struct {
	Model      string           `json:"model"`
	Input      generationInput  `json:"input"`
	Parameters generationParams `json:"parameters"`
}

type generationInput struct {
	Messages []generationMessage `json:"messages"`
}

type generationMessage struct {
	Role    string              `json:"role"`
	Content []generationContent `json:"content"`
}

type generationContent struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type generationParams struct {
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Size           string `json:"size,omitempty"`
	N              int    `json:"n,omitempty"`
	Watermark      *bool  `json:"watermark,omitempty"`
}

type generationResponse struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content []struct {
					Image string `json:"image"`
				} `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Usage struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"usage"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPClient constructs a client with sane defaults and injected dependencies.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	return &HTTPClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		watermark:  opts.Watermark,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *HTTPClient) Name() string { return "dashscope" }

// Model returns the configured model identifier.
func (c *HTTPClient) Model() string { return c.model }

// Generate performs one text-to-image (or image-to-image) call.
func (c *HTTPClient) Generate(ctx context.Context, req SingleRequest) ([]Image, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, &Error{Code: domain.ErrCodeInvalidPrompt, Message: "prompt is required"}
	}
	params := req.Params.WithDefaults()
	content := []generationContent{{Text: prompt}}
	if img := strings.TrimSpace(req.InputImage); img != "" {
		content = append([]generationContent{{Image: img}}, content...)
	}
	payload := generationRequest{
		Model: c.model,
		Input: generationInput{
			Messages: []generationMessage{{Role: "user", Content: content}},
		},
		Parameters: generationParams{
			NegativePrompt: strings.TrimSpace(req.NegativePrompt),
			Size:           AspectRatioSize(params.AspectRatio),
			N:              params.Variations,
		},
	}
	if payload.Parameters.NegativePrompt == "" {
		payload.Parameters.NegativePrompt = DefaultNegativePrompt
	}
	watermark := c.watermark
	payload.Parameters.Watermark = &watermark

	started := time.Now()
	decoded, err := c.post(ctx, req.RequestID, payload)
	if err != nil {
		return nil, err
	}
	took := time.Since(started)

	width, height := decoded.Usage.Width, decoded.Usage.Height
	if width == 0 || height == 0 {
		width, height = SizeDimensions(payload.Parameters.Size)
	}
	var images []Image
	for _, choice := range decoded.Output.Choices {
		for _, part := range choice.Message.Content {
			url := strings.TrimSpace(part.Image)
			if url == "" {
				continue
			}
			images = append(images, Image{
				URL:      url,
				Width:    width,
				Height:   height,
				Format:   params.OutputFormat,
				Model:    c.model,
				Provider: c.Name(),
				Took:     took,
			})
		}
	}
	if len(images) == 0 {
		return nil, &Error{Code: domain.ErrCodeServerError, Message: "provider returned no images", Retryable: true}
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("request_id", decoded.RequestID).
		Int("images", len(images)).
		Msg("provider: generated images")
	return images, nil
}

// GenerateBatch runs each request in order. Per-item failures are reported in
// the item; the call only errors when ctx is done.
func (c *HTTPClient) GenerateBatch(ctx context.Context, reqs []SingleRequest) ([]BatchItem, error) {
	return generateEach(ctx, c, reqs)
}

// GenerateCharacter builds a character prompt and renders it.
func (c *HTTPClient) GenerateCharacter(ctx context.Context, req CharacterRequest) ([]Image, error) {
	return c.Generate(ctx, SingleRequest{
		Prompt:    BuildCharacterPrompt(req.Specs, req.Params),
		Params:    req.Params,
		RequestID: req.RequestID,
	})
}

func (c *HTTPClient) post(ctx context.Context, requestID string, payload generationRequest) (*generationResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generationPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, FromTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, FromTransport(err)
	}

	if resp.StatusCode >= 300 {
		var detail errorResponse
		msg := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			msg = fmt.Sprintf("%s (%s)", detail.Message, detail.Code)
		}
		return nil, FromStatus(resp.StatusCode, msg)
	}

	var decoded generationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}
	if decoded.Code != "" {
		return nil, classifyBodyCode(decoded.Code, decoded.Message)
	}
	return &decoded, nil
}

// classifyBodyCode maps error codes returned inside a 200 body.
func classifyBodyCode(code, message string) *Error {
	upper := strings.ToUpper(code)
	switch {
	case strings.Contains(upper, "THROTTL"), strings.Contains(upper, "RATE"):
		return NewError(domain.ErrCodeRateLimited, message)
	case strings.Contains(upper, "QUOTA"), strings.Contains(upper, "ARREARAGE"):
		return NewError(domain.ErrCodeQuotaExceeded, message)
	case strings.Contains(upper, "DATAINSPECTION"), strings.Contains(upper, "INVALIDPARAMETER"):
		return NewError(domain.ErrCodeInvalidPrompt, message)
	case strings.Contains(upper, "TIMEOUT"):
		return NewError(domain.ErrCodeTimeout, message)
	default:
		return NewError(domain.ErrCodeServerError, fmt.Sprintf("%s (%s)", message, code))
	}
}

type singleGenerator interface {
	Generate(ctx context.Context, req SingleRequest) ([]Image, error)
}

func generateEach(ctx context.Context, g singleGenerator, reqs []SingleRequest) ([]BatchItem, error) {
	items := make([]BatchItem, 0, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		images, err := g.Generate(ctx, req)
		if err != nil {
			var pe *Error
			if !errors.As(err, &pe) {
				err = FromTransport(err)
			}
			items = append(items, BatchItem{Index: i, Err: err})
			continue
		}
		items = append(items, BatchItem{Index: i, Images: images})
	}
	return items, nil
}
