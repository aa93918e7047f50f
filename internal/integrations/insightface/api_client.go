package insightface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "insightface",
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
}

// APIClient talks to an InsightFace (buffalo) HTTP service.
type APIClient struct {
	config     ClientConfig
	httpClient *http.Client
}

type apiInfoResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Backend   string   `json:"backend"`
	Providers []string `json:"providers"`
}

type apiFace struct {
	BoundingBox []float64 `json:"bbox"`
	Confidence  float64   `json:"confidence"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

type apiDetectResponse struct {
	Status      string    `json:"status"`
	FacesCount  int       `json:"faces_count"`
	Faces       []apiFace `json:"faces"`
	ProcessTime float64   `json:"process_time"`
}

type apiEmbedResponse struct {
	Status    string    `json:"status"`
	Embedding []float32 `json:"embedding"`
}

// NewAPIClient creates a client for the service at cfg.URL.
func NewAPIClient(cfg ClientConfig) *APIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &APIClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Ping checks that the service answers /info with status ok.
func (c *APIClient) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL+"/info", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect to InsightFace: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("InsightFace service unavailable, status: %d", resp.StatusCode)
	}

	var info apiInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}

	return info.Status == "ok", nil
}

func encodeImage(img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DetectFaces posts img to /detect and returns the boxes, optionally with embeddings.
func (c *APIClient) DetectFaces(ctx context.Context, img image.Image, threshold float64, extractEmbedding bool) (*apiDetectResponse, error) {
	var resp apiDetectResponse
	err := c.postImage(ctx, "/detect", img, map[string]string{
		"threshold":         fmt.Sprintf("%f", threshold),
		"return_face_data":  "false",
		"extract_embedding": fmt.Sprintf("%t", extractEmbedding),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("API error: %s", resp.Status)
	}
	return &resp, nil
}

// ExtractEmbedding posts a face crop to /embed. A response without an
// embedding yields nil.
func (c *APIClient) ExtractEmbedding(ctx context.Context, crop image.Image) ([]float32, error) {
	var resp apiEmbedResponse
	if err := c.postImage(ctx, "/embed", crop, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("API error: %s", resp.Status)
	}
	if len(resp.Embedding) == 0 {
		return nil, nil
	}
	return resp.Embedding, nil
}

func (c *APIClient) postImage(ctx context.Context, path string, img image.Image, fields map[string]string, out interface{}) error {
	imgData, err := encodeImage(img)
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(imgData)); err != nil {
		return fmt.Errorf("failed to copy image data: %w", err)
	}

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status: %d, response: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
