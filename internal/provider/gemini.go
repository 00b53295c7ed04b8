package provider

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/genai"

	"picfit/internal/config"
)

const DefaultPrompt = "Dress the person shown in the standing photos in the outfit from the last image. " +
	"Keep the face, body shape, pose and background unchanged. Return a single photorealistic image."

// GeminiClient sends the standing photos and the outfit as inline blobs to
// Models.GenerateContent and returns the first image part of the answer.
type GeminiClient struct {
	client *genai.Client
	model  string
	prompt string
}

func NewGeminiClient(ctx context.Context, cfg *config.ProviderConfig, httpClient *http.Client) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider.api_key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.Endpoint,
			APIVersion: cfg.APIVersion,
		},
	})
	if err != nil {
		return nil, err
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &GeminiClient{client: client, model: cfg.Model, prompt: prompt}, nil
}

func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Image, error) {
	prompt := req.Prompt
	if prompt == "" {
		prompt = c.prompt
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	for _, img := range req.Standing {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.ContentType))
	}
	parts = append(parts, genai.NewPartFromBytes(req.Outfit.Data, req.Outfit.ContentType))

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	)
	if err != nil {
		return nil, apiError(ctx, err)
	}

	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			return &Image{Data: part.InlineData.Data, ContentType: part.InlineData.MIMEType}, nil
		}
	}

	return nil, &Error{Message: "no image in response"}
}

func apiError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Wrap(ctxErr)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &Error{StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message, Err: err}
	}
	return Wrap(err)
}
