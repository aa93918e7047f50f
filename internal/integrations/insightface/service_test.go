package insightface

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"facestream/internal/core/models"
	"facestream/internal/integrations/facerecognition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewService(Config{ClientConfig: ClientConfig{URL: srv.URL + "/"}, DetectionThreshold: 0.5})
}

func frame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 32, 32))
}

func TestDetectReturnsBoxesAndEmbeddings(t *testing.T) {
	svc := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "true", r.FormValue("extract_embedding"))
		assert.Equal(t, "0.500000", r.FormValue("threshold"))
		_, _, err := r.FormFile("file")
		assert.NoError(t, err)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"faces_count": 3,
			"faces": []map[string]interface{}{
				{"bbox": []float64{10.4, 12.6, 40, 50}, "confidence": 0.98, "embedding": []float32{0.1, 0.2}},
				{"bbox": []float64{1, 2, 3}, "confidence": 0.9},
				{"bbox": []float64{5, 5, 20, 20}, "confidence": 0.7},
			},
			"process_time": 0.05,
		})
	})

	detections, err := svc.Detect(context.Background(), frame())
	require.NoError(t, err)
	require.Len(t, detections, 2)

	assert.Equal(t, models.BoundingBox{X1: 10, Y1: 13, X2: 40, Y2: 50}, detections[0].BoundingBox)
	assert.Equal(t, []float32{0.1, 0.2}, detections[0].Embedding)
	assert.InDelta(t, 0.98, detections[0].Confidence, 1e-9)
	assert.Nil(t, detections[1].Embedding)
}

func TestDetectWithoutFacesReturnsEmpty(t *testing.T) {
	svc := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","faces_count":0,"faces":[]}`))
	})

	detections, err := svc.Detect(context.Background(), frame())
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestDetectFailsOnServerError(t *testing.T) {
	svc := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})

	_, err := svc.Detect(context.Background(), frame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestEmbed(t *testing.T) {
	svc := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","embedding":[0.5,0.5,0.7]}`))
	})

	embedding, err := svc.Embed(context.Background(), frame())
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.7}, embedding)
}

func TestEmbedWithoutResultIsNil(t *testing.T) {
	svc := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","embedding":[]}`))
	})

	embedding, err := svc.Embed(context.Background(), frame())
	require.NoError(t, err)
	assert.Nil(t, embedding)
}

func TestIsAvailable(t *testing.T) {
	svc := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","version":"0.7.3","backend":"onnxruntime"}`))
	})

	assert.True(t, svc.IsAvailable(context.Background()))
	assert.Equal(t, facerecognition.ProviderInsightFace, svc.GetProviderName())
}
