package face

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/incogx/Facer-app/internal/faceclient"
)

// MockVerifier stands in for a recognition model. Any recognised image
// scores uniformly in [0.80, 0.95), capped at 0.99.
type MockVerifier struct {
	mu   sync.Mutex
	rand func() float64
}

// NewMockVerifier creates a mock; a nil source uses math/rand.
func NewMockVerifier(source func() float64) *MockVerifier {
	if source == nil {
		source = rand.Float64
	}
	return &MockVerifier{rand: source}
}

func (m *MockVerifier) Score(_ context.Context, _ string, image []byte) (float64, error) {
	if !IsImage(image) {
		return 0, ErrNoFaceDetected
	}
	m.mu.Lock()
	r := m.rand()
	m.mu.Unlock()
	return min(0.80+r*0.15, 0.99), nil
}

// IsImage sniffs image for a known image content type.
func IsImage(image []byte) bool {
	return strings.HasPrefix(http.DetectContentType(image), "image/")
}

// RemoteVerifier scores images with the face recognition microservice.
type RemoteVerifier struct {
	client *faceclient.Client
}

// NewRemoteVerifier wraps a face service client.
func NewRemoteVerifier(c *faceclient.Client) *RemoteVerifier {
	return &RemoteVerifier{client: c}
}

func (r *RemoteVerifier) Score(ctx context.Context, studentID string, image []byte) (float64, error) {
	res, err := r.client.Verify(ctx, studentID, base64.StdEncoding.EncodeToString(image))
	if err != nil {
		if errors.Is(err, faceclient.ErrNoFace) {
			return 0, ErrNoFaceDetected
		}
		return 0, fmt.Errorf("remote verify: %w", err)
	}
	return res.Similarity, nil
}
