package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client is a client for the object-detection inference service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Box is one detected object.
type Box struct {
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
}

// DetectResponse represents the detection result for one image
type DetectResponse struct {
	Detections       []Box   `json:"detections"`
	ProcessingTimeMs float64 `json:"processing_time_ms,omitempty"`
}

// ModelInfo represents information about the loaded model
type ModelInfo struct {
	Model   string   `json:"model"`
	Loaded  bool     `json:"loaded"`
	Device  string   `json:"device"`
	Classes []string `json:"classes"`
}

// NewClient creates a new inference service client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetModelInfo retrieves information about the loaded model
func (c *Client) GetModelInfo(ctx context.Context) (*ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/model/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result ModelInfo
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Detect uploads the image at imagePath and returns every box the model found.
func (c *Client) Detect(ctx context.Context, imagePath string) ([]Box, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/detect", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result DetectResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return result.Detections, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("detection service returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
