package compreface

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"facestream/internal/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectMapsBoxesAndEmbeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/detection/detect", r.URL.Path)
		assert.Equal(t, "calculator", r.URL.Query().Get("face_plugins"))
		assert.Equal(t, "0.80", r.URL.Query().Get("det_prob_threshold"))
		assert.Equal(t, "secret-key", r.Header.Get("x-api-key"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":[
			{"box":{"probability":0.99,"x_min":10,"y_min":20,"x_max":50,"y_max":70},"embedding":[0.1,0.2]},
			{"box":{"probability":0.90,"x_min":30,"y_min":30,"x_max":30,"y_max":40},"embedding":[0.3]},
			{"box":{"probability":0.85,"x_min":60,"y_min":10,"x_max":90,"y_max":50}}
		]}`))
	}))
	defer server.Close()

	svc := NewService(Config{
		ClientConfig:       ClientConfig{URL: server.URL + "/", APIKey: "secret-key"},
		DetectionThreshold: 0.8,
	})

	detections, err := svc.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 100, 100)))
	require.NoError(t, err)
	require.Len(t, detections, 2)

	assert.Equal(t, models.BoundingBox{X1: 10, Y1: 20, X2: 50, Y2: 70}, detections[0].BoundingBox)
	assert.Equal(t, []float32{0.1, 0.2}, detections[0].Embedding)
	assert.InDelta(t, 0.99, detections[0].Confidence, 1e-9)
	assert.Nil(t, detections[1].Embedding)
}

func TestDetectNoFaceIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"No face is found in the given image","code":28}`))
	}))
	defer server.Close()

	svc := NewService(Config{ClientConfig: ClientConfig{URL: server.URL}})
	detections, err := svc.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestDetectServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Missing header x-api-key","code":20}`))
	}))
	defer server.Close()

	svc := NewService(Config{ClientConfig: ClientConfig{URL: server.URL}})
	_, err := svc.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
