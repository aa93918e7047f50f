package compreface

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
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "compreface",
}

// codeNoFaceFound is returned by CompreFace with status 400 when an image
// contains no face.
const codeNoFaceFound = 28

// ClientConfig configures the CompreFace detection client.
type ClientConfig struct {
	URL     string
	APIKey  string // key of a detection service
	Timeout time.Duration
}

// Client talks to the CompreFace detection API.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// Box is a face box as reported by CompreFace.
type Box struct {
	Probability float64 `json:"probability"`
	XMax        int     `json:"x_max"`
	YMax        int     `json:"y_max"`
	XMin        int     `json:"x_min"`
	YMin        int     `json:"y_min"`
}

// DetectionResult is one detected face. Embedding is filled by the
// calculator plugin.
type DetectionResult struct {
	Box       Box       `json:"box"`
	Embedding []float32 `json:"embedding"`
}

// DetectionResponse is the body of /api/v1/detection/detect.
type DetectionResponse struct {
	Result []DetectionResult `json:"result"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// NewClient creates a CompreFace client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Detect posts img to the detection service and requests embeddings.
func (c *Client) Detect(ctx context.Context, img image.Image, detProbThreshold float64) (*DetectionResponse, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	apiURL, err := url.JoinPath(c.config.URL, "/api/v1/detection/detect")
	if err != nil {
		return nil, fmt.Errorf("failed to create API URL: %w", err)
	}
	query := url.Values{}
	query.Set("face_plugins", "calculator")
	query.Set("det_prob_threshold", fmt.Sprintf("%.2f", detProbThreshold))
	apiURL += "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", c.config.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	log.WithFields(logFields).Debugf("CompreFace detection request took %s", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr errorResponse
		if resp.StatusCode == http.StatusBadRequest && json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Code == codeNoFaceFound {
			return &DetectionResponse{}, nil
		}
		return nil, fmt.Errorf("CompreFace API returned error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result DetectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}
