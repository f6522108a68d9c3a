package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxFalResponseBytes caps how much of a fal.ai response body is read.
const maxFalResponseBytes = 1 << 20

// falImager calls a fal.ai text-to-image endpoint synchronously.
type falImager struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	imageSize  string
}

func newFalImager(apiKey, endpoint, imageSize string, httpClient *http.Client) *falImager {
	return &falImager{httpClient: httpClient, endpoint: endpoint, apiKey: apiKey, imageSize: imageSize}
}

type falRequest struct {
	Prompt    string `json:"prompt"`
	ImageSize string `json:"image_size"`
}

type falResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

type falErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (f *falImager) GenerateImage(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(falRequest{Prompt: prompt, ImageSize: f.imageSize})
	if err != nil {
		return "", fmt.Errorf("fal.ai: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("fal.ai: build request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fal.ai: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFalResponseBytes))
	if err != nil {
		return "", fmt.Errorf("fal.ai: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr falErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("fal.ai: %s", apiErr.Error.Message)
		}
		return "", fmt.Errorf("fal.ai: %s", http.StatusText(resp.StatusCode))
	}

	var out falResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("fal.ai: decode response: %w", err)
	}
	if len(out.Images) == 0 || out.Images[0].URL == "" {
		return "", errors.New("fal.ai: no images in response")
	}
	return out.Images[0].URL, nil
}
