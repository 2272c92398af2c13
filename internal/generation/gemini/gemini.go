// Package gemini implements generation.Provider on the Gemini image model.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/photovault/internal/generation"
	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"google.golang.org/genai"
)

// DefaultModel is the image-capable model used when none is configured.
const DefaultModel = "gemini-2.5-flash-image-preview"

var (
	ErrInvalidConfig = errors.New("invalid gemini config")
	ErrNoImage       = errors.New("gemini response carried no image")
)

var _ generation.Provider = (*Provider)(nil)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config selects credentials and model.
type Config struct {
	APIKey string
	Model  string
}

// Provider calls Gemini once per requested image.
type Provider struct {
	models contentGenerator
	model  string
}

// New creates a Gemini API client.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return newWithGenerator(client.Models, cfg.Model), nil
}

func newWithGenerator(models contentGenerator, model string) *Provider {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Provider{models: models, model: model}
}

// Generate sends the source image with the prompt and returns the first inline image of the response.
func (provider *Provider) Generate(ctx context.Context, source photos.Image, prompt string) (photos.Image, error) {
	if len(source.Data) == 0 {
		return photos.Image{}, fmt.Errorf("%w: empty source image", photos.ErrInvalidInput)
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(source.Data, source.MIMEType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	response, err := provider.models.GenerateContent(ctx, provider.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return photos.Image{}, fmt.Errorf("gemini generate: %w", err)
	}
	if response == nil {
		return photos.Image{}, ErrNoImage
	}
	for _, candidate := range response.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mimeType := part.InlineData.MIMEType
				if mimeType == "" {
					mimeType = "image/png"
				}
				return photos.Image{Data: part.InlineData.Data, MIMEType: mimeType}, nil
			}
		}
	}
	return photos.Image{}, ErrNoImage
}
