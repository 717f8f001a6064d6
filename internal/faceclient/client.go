package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoFace is returned when the face service found no face in the image.
var ErrNoFace = errors.New("no face detected in image")

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	IsFrontal bool    `json:"is_frontal"`
}

// VerifyResult contains 1:1 verification result.
type VerifyResult struct {
	StudentID     string       `json:"student_id"`
	Verified      bool         `json:"verified"`
	Similarity    float64      `json:"similarity"`
	FacesDetected int          `json:"faces_detected"`
	Quality       *FaceQuality `json:"quality"`
}

// EnrollResult contains face enrollment response.
type EnrollResult struct {
	StudentID  string       `json:"student_id"`
	Success    bool         `json:"success"`
	TemplateID string       `json:"template_id"`
	Quality    *FaceQuality `json:"quality"`
	Message    string       `json:"message"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client with configurable timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second // face processing can take time
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Verify performs 1:1 face verification of image against the student's enrolled template.
func (c *Client) Verify(ctx context.Context, studentID string, imageBase64 string) (*VerifyResult, error) {
	var out VerifyResult
	err := c.post(ctx, "/verify", map[string]string{
		"student_id":   studentID,
		"image_base64": imageBase64,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.FacesDetected == 0 {
		return nil, ErrNoFace
	}
	return &out, nil
}

// Enroll registers the student's face and returns the service-side template id.
func (c *Client) Enroll(ctx context.Context, studentID, imageBase64, imageURL string) (*EnrollResult, error) {
	payload := map[string]string{
		"student_id":   studentID,
		"image_base64": imageBase64,
	}
	if imageURL != "" {
		payload["image_url"] = imageURL
	}
	var out EnrollResult
	if err := c.post(ctx, "/enroll", payload, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		if out.Message == "" {
			out.Message = "enrollment rejected"
		}
		return nil, fmt.Errorf("face service: %s", out.Message)
	}
	return &out, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return ErrNoFace
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
