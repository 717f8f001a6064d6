// Package face decides whether a captured image matches a student. The actual
// scoring is delegated to a pluggable Verifier.
package face

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/incogx/Facer-app/internal/metrics"
)

// DefaultThreshold is the minimum confidence accepted as a match.
const DefaultThreshold = 0.75

// DefaultMaxImageBase64 caps the base64-encoded image length (~2MB).
const DefaultMaxImageBase64 = 2_000_000

var (
	// ErrImageTooLarge is returned before decoding when the payload exceeds the cap.
	ErrImageTooLarge = errors.New("image too large")
	// ErrInvalidImage is returned for undecodable or empty payloads.
	ErrInvalidImage = errors.New("invalid image")
	// ErrNoFaceDetected is returned when the image holds no usable face. It
	// is not a biometric mismatch and must not count as a failed attempt.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrInvalidScore is returned when a Verifier produces a non-finite score.
	ErrInvalidScore = errors.New("verifier returned an invalid score")
)

// IsInputError reports whether err is a rejection of the image itself.
func IsInputError(err error) bool {
	return errors.Is(err, ErrImageTooLarge) || errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrNoFaceDetected)
}

// Verifier scores image against the enrolled face of studentID.
type Verifier interface {
	Score(ctx context.Context, studentID string, image []byte) (float64, error)
}

// Result is the outcome of one verification.
type Result struct {
	Confidence float64 `json:"confidence"`
	Match      bool    `json:"match"`
}

// Service applies size limits and the match threshold around a Verifier.
type Service struct {
	verifier  Verifier
	threshold float64
	maxBase64 int
}

// NewService creates a service; zero threshold or size select the defaults.
func NewService(v Verifier, threshold float64, maxBase64 int) *Service {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxBase64 <= 0 {
		maxBase64 = DefaultMaxImageBase64
	}
	return &Service{verifier: v, threshold: threshold, maxBase64: maxBase64}
}

// Threshold returns the configured match threshold.
func (s *Service) Threshold() float64 { return s.threshold }

// MaxImageBase64 returns the accepted base64 image length.
func (s *Service) MaxImageBase64() int { return s.maxBase64 }

// Verify decodes imageBase64 and scores it for studentID.
func (s *Service) Verify(ctx context.Context, studentID, imageBase64 string) (Result, error) {
	if studentID == "" {
		return Result{}, fmt.Errorf("%w: student id required", ErrInvalidImage)
	}
	image, err := s.Decode(imageBase64)
	if err != nil {
		metrics.FaceVerifications.WithLabelValues(outcomeLabel(err)).Inc()
		return Result{}, err
	}
	return s.VerifyBytes(ctx, studentID, image)
}

// VerifyBytes scores an already decoded image.
func (s *Service) VerifyBytes(ctx context.Context, studentID string, image []byte) (Result, error) {
	score, err := s.verifier.Score(ctx, studentID, image)
	if err == nil && (math.IsNaN(score) || math.IsInf(score, 0)) {
		err = fmt.Errorf("%w: %v", ErrInvalidScore, score)
	}
	if err != nil {
		metrics.FaceVerifications.WithLabelValues(outcomeLabel(err)).Inc()
		return Result{}, err
	}
	res := s.Evaluate(score)
	metrics.FaceVerifications.WithLabelValues(Outcome(res, nil)).Inc()
	return res, nil
}

// Evaluate clamps score to [0,1] and compares it with the threshold. NaN
// counts as zero.
func (s *Service) Evaluate(score float64) Result {
	switch {
	case math.IsNaN(score), score < 0:
		score = 0
	case score > 1:
		score = 1
	}
	return Result{Confidence: score, Match: score >= s.threshold}
}

// Decode enforces the size cap and decodes a raw or data-URL base64 image.
func (s *Service) Decode(imageBase64 string) ([]byte, error) {
	if len(imageBase64) > s.maxBase64 {
		return nil, ErrImageTooLarge
	}
	data := imageBase64
	if strings.HasPrefix(data, "data:") {
		i := strings.Index(data, ",")
		if i < 0 || !strings.Contains(data[:i], ";base64") {
			return nil, ErrInvalidImage
		}
		data = data[i+1:]
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, ErrInvalidImage
	}
	image, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		image, err = base64.RawStdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}
	if len(image) == 0 {
		return nil, ErrInvalidImage
	}
	return image, nil
}

// Outcome labels a verification for metrics and the audit trail.
func Outcome(res Result, err error) string {
	switch {
	case err != nil:
		return outcomeLabel(err)
	case res.Match:
		return "match"
	default:
		return "mismatch"
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrImageTooLarge):
		return "too_large"
	case errors.Is(err, ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, ErrNoFaceDetected):
		return "no_face"
	default:
		return "error"
	}
}
