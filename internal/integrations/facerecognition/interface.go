package facerecognition

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"facestream/internal/core/models"
)

// ProviderType names a detection backend.
type ProviderType string

const (
	// ProviderInsightFace is a remote InsightFace (buffalo) service returning boxes and embeddings.
	ProviderInsightFace ProviderType = "insightface"

	// ProviderOpenCV locates faces with an OpenCV cascade and embeds each crop remotely.
	ProviderOpenCV ProviderType = "opencv"

	// ProviderCompreFace is a CompreFace detection service with the calculator plugin.
	ProviderCompreFace ProviderType = "compreface"
)

// DetectionProvider finds faces in a frame. An empty result is not an error;
// errors are reserved for backend failures.
type DetectionProvider interface {
	GetProviderName() ProviderType
	Detect(ctx context.Context, frame image.Image) ([]models.Detection, error)
}

// EmbeddingProvider turns a face crop into an embedding. A nil vector with a
// nil error means no embedding could be extracted.
type EmbeddingProvider interface {
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
}

// Pinger is implemented by providers that can report availability.
type Pinger interface {
	IsAvailable(ctx context.Context) bool
}

// ProviderManager keeps the configured detection providers and the active one.
type ProviderManager struct {
	mu        sync.RWMutex
	providers map[ProviderType]DetectionProvider
	active    ProviderType
}

// NewProviderManager creates an empty manager.
func NewProviderManager() *ProviderManager {
	return &ProviderManager{
		providers: make(map[ProviderType]DetectionProvider),
	}
}

// RegisterProvider adds or replaces a provider under its own name.
func (m *ProviderManager) RegisterProvider(provider DetectionProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[provider.GetProviderName()] = provider
}

// SetActiveProvider selects a registered provider.
func (m *ProviderManager) SetActiveProvider(providerType ProviderType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[providerType]; !exists {
		return fmt.Errorf("detection provider %q is not registered", providerType)
	}
	m.active = providerType
	return nil
}

// GetActiveProvider returns the selected provider.
func (m *ProviderManager) GetActiveProvider() (DetectionProvider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return nil, false
	}
	p, ok := m.providers[m.active]
	return p, ok
}

// GetReadyProvider returns the active provider after checking that it
// answers a ping.
func (m *ProviderManager) GetReadyProvider(ctx context.Context) (DetectionProvider, error) {
	provider, ok := m.GetActiveProvider()
	if !ok {
		return nil, fmt.Errorf("no active detection provider")
	}
	if pinger, ok := provider.(Pinger); ok && !pinger.IsAvailable(ctx) {
		return nil, fmt.Errorf("detection provider %q is not reachable", provider.GetProviderName())
	}
	return provider, nil
}

// GetAvailableProviders lists registered providers that answer a ping.
// Providers without a ping are assumed available.
func (m *ProviderManager) GetAvailableProviders(ctx context.Context) []ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var available []ProviderType
	for name, provider := range m.providers {
		if pinger, ok := provider.(Pinger); ok && !pinger.IsAvailable(ctx) {
			continue
		}
		available = append(available, name)
	}
	sort.Slice(available, func(i, j int) bool { return available[i] < available[j] })
	return available
}
