// Package ai wraps the external inference service that analyzes voice
// recordings and generates cover images. The pipeline treats it as a plain
// request/response collaborator.
package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/echolabs/audiopipe/internal/jsoncodec"
)

// VoiceAnalyzer is the contract the voice-analysis job depends on.
type VoiceAnalyzer interface {
	// AnalyzeVoice sends the audio file URL for analysis and returns the ID
	// of the stored voice vector.
	AnalyzeVoice(ctx context.Context, fileURL string) (string, error)
}

// ImageGenerator produces cover images from a text prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// StatusError reports a non-2xx response from the inference service. Jobs
// use the code to tell transient overload from a permanently rejected input.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai service returned %d: %s", e.Code, e.Body)
}

// IsTransient reports whether the failure is worth retrying.
func (e *StatusError) IsTransient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client is the HTTP implementation of both interfaces.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	FileURL string `json:"fileUrl"`
}

type analyzeResponse struct {
	VectorID string `json:"vectorId"`
}

func (c *Client) AnalyzeVoice(ctx context.Context, fileURL string) (string, error) {
	body, err := jsoncodec.Marshal(analyzeRequest{FileURL: fileURL})
	if err != nil {
		return "", fmt.Errorf("encode analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze/voice", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call voice analysis: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Code: resp.StatusCode, Body: string(payload)}
	}

	var out analyzeResponse
	if err := jsoncodec.Decode(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode analyze response: %w", err)
	}
	if out.VectorID == "" {
		return "", errors.New("voice analysis returned empty vector id")
	}
	return out.VectorID, nil
}

type imageRequest struct {
	Prompt string `json:"prompt"`
}

func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	body, err := jsoncodec.Marshal(imageRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("encode image request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate/image", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call image generation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(payload)}
	}
	return io.ReadAll(resp.Body)
}
