package llm

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	unifiedgenai "google.golang.org/genai"
)

const defaultImageMIMEType = "image/png"

// geminiImager generates images with a Gemini image model (strict IMAGE modality)
// and stores the returned bytes.
type geminiImager struct {
	client *genai.Client
	model  string
	store  ImageStore
}

func newGeminiImager(ctx context.Context, apiKey, model, apiEndpoint string, store ImageStore) (*geminiImager, error) {
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(apiEndpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init gemini image client: %w", err)
	}
	return &geminiImager{client: client, model: model, store: store}, nil
}

func (g *geminiImager) GenerateImage(ctx context.Context, prompt string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	setResponseModality(model, []string{"IMAGE"})

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}

	for i, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for j, part := range cand.Content.Parts {
			blob, ok := part.(genai.Blob)
			if !ok || len(blob.Data) == 0 {
				continue
			}
			mimeType := blob.MIMEType
			if mimeType == "" {
				mimeType = defaultImageMIMEType
			}
			log.Debug().
				Int("image_size_bytes", len(blob.Data)).
				Str("mime_type", mimeType).
				Int("candidate", i).
				Int("part", j).
				Msg("Gemini image blob received")
			return g.store.PutImage(ctx, blob.Data, mimeType)
		}
	}

	log.Warn().
		Str("model", g.model).
		Int("candidates", len(resp.Candidates)).
		Msg("No image blob in Gemini response")
	return "", fmt.Errorf("gemini: no image blob in response")
}

// setResponseModality sets model.ResponseModality when the genai SDK exposes it.
// Uses reflection so it no-ops on SDKs that don't have the field.
func setResponseModality(model *genai.GenerativeModel, modalities []string) {
	v := reflect.ValueOf(model).Elem()
	f := v.FieldByName("ResponseModality")
	if !f.IsValid() || !f.CanSet() {
		log.Debug().Msg("ResponseModality not available on GenerativeModel")
		return
	}
	if f.Kind() == reflect.Slice && f.Type().Elem().Kind() == reflect.String {
		f.Set(reflect.ValueOf(modalities))
	}
}

// imagenImager generates images with Imagen through the unified genai SDK.
type imagenImager struct {
	client *unifiedgenai.Client
	model  string
	store  ImageStore
}

func newImagenImager(ctx context.Context, apiKey, model, apiEndpoint string, store ImageStore) (*imagenImager, error) {
	cfg := &unifiedgenai.ClientConfig{APIKey: apiKey, Backend: unifiedgenai.BackendGeminiAPI}
	if apiEndpoint != "" {
		cfg.HTTPOptions = unifiedgenai.HTTPOptions{BaseURL: apiEndpoint}
	}
	client, err := unifiedgenai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init imagen client: %w", err)
	}
	return &imagenImager{client: client, model: model, store: store}, nil
}

func (g *imagenImager) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateImages(ctx, g.model, prompt, &unifiedgenai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: defaultImageMIMEType,
	})
	if err != nil {
		return "", fmt.Errorf("imagen: %w", err)
	}
	for _, img := range resp.GeneratedImages {
		if img == nil || img.Image == nil || len(img.Image.ImageBytes) == 0 {
			continue
		}
		mimeType := img.Image.MIMEType
		if mimeType == "" {
			mimeType = defaultImageMIMEType
		}
		return g.store.PutImage(ctx, img.Image.ImageBytes, mimeType)
	}
	return "", fmt.Errorf("imagen: no image in response")
}
