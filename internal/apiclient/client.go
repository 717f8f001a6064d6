// Package apiclient talks to the attendance API on behalf of one student.
package apiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/incogx/Facer-app/internal/attendance"
	"github.com/incogx/Facer-app/internal/credentials"
	"github.com/incogx/Facer-app/internal/face"
	"github.com/incogx/Facer-app/internal/qr"
)

var (
	ErrUnauthorized = errors.New("not logged in or session expired")
	ErrConflict     = errors.New("conflict")
)

// APIError is a non-2xx response that has no more specific meaning.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client calls the API. It implements flow.Backend.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// OnRefresh is called with the new session after a token rotation.
	OnRefresh func(credentials.Session)

	mu      sync.Mutex
	session credentials.Session
}

// New creates a client. Per-call deadlines come from the caller's context.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetSession selects the student the client acts for.
func (c *Client) SetSession(s credentials.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Session returns the current session.
func (c *Client) Session() credentials.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SignupRequest carries registration details.
type SignupRequest struct {
	RegistrationNumber string `json:"registration_number"`
	Password           string `json:"password"`
	Name               string `json:"name"`
	Email              string `json:"email,omitempty"`
	Department         string `json:"department,omitempty"`
}

type authResponse struct {
	Student struct {
		ID                 string `json:"id"`
		RegistrationNumber string `json:"registration_number"`
		Name               string `json:"name"`
	} `json:"student"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (r authResponse) session() credentials.Session {
	return credentials.Session{
		StudentID:          r.Student.ID,
		RegistrationNumber: r.Student.RegistrationNumber,
		Name:               r.Student.Name,
		AccessToken:        r.AccessToken,
		RefreshToken:       r.RefreshToken,
		ExpiresAt:          time.Unix(r.ExpiresAt, 0).UTC(),
	}
}

// Signup registers a student and adopts the returned session.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (credentials.Session, error) {
	var out authResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/auth/signup", "", req, &out); err != nil {
		return credentials.Session{}, err
	}
	s := out.session()
	c.SetSession(s)
	return s, nil
}

// Login authenticates and adopts the returned session.
func (c *Client) Login(ctx context.Context, regNo, password string) (credentials.Session, error) {
	var out authResponse
	body := map[string]string{"registration_number": regNo, "password": password}
	if _, err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", body, &out); err != nil {
		return credentials.Session{}, err
	}
	s := out.session()
	c.SetSession(s)
	return s, nil
}

// Refresh rotates the session's tokens.
func (c *Client) Refresh(ctx context.Context) (credentials.Session, error) {
	s := c.Session()
	if s.RefreshToken == "" {
		return credentials.Session{}, ErrUnauthorized
	}
	var out authResponse
	body := map[string]string{"refresh_token": s.RefreshToken}
	if _, err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", "", body, &out); err != nil {
		return credentials.Session{}, err
	}
	s.AccessToken = out.AccessToken
	s.RefreshToken = out.RefreshToken
	s.ExpiresAt = time.Unix(out.ExpiresAt, 0).UTC()
	c.SetSession(s)
	if c.OnRefresh != nil {
		c.OnRefresh(s)
	}
	return s, nil
}

// EnrollFace stores the student's face.
func (c *Client) EnrollFace(ctx context.Context, image []byte) error {
	body := map[string]string{"image_base64": base64.StdEncoding.EncodeToString(image)}
	_, err := c.authed(ctx, http.MethodPost, "/v1/me/face", body, nil)
	return mapImageError(err)
}

// ValidateQR implements flow.Backend.
func (c *Client) ValidateQR(ctx context.Context, payload string) (qr.Validation, error) {
	var out qr.Validation
	_, err := c.authed(ctx, http.MethodPost, "/v1/qr/validate", map[string]string{"qr_payload": payload}, &out)
	return out, err
}

// VerifyFace implements flow.Backend.
func (c *Client) VerifyFace(ctx context.Context, studentID string, image []byte) (face.Result, error) {
	body := map[string]string{
		"student_id":   studentID,
		"image_base64": base64.StdEncoding.EncodeToString(image),
	}
	var out face.Result
	_, err := c.authed(ctx, http.MethodPost, "/v1/face/verify", body, &out)
	return out, mapImageError(err)
}

// CommitAttendance implements flow.Backend. A decided commit, including
// status "error", is returned as a Result.
func (c *Client) CommitAttendance(ctx context.Context, req attendance.CommitRequest) (attendance.Result, error) {
	body := map[string]any{
		"student_id": req.StudentID,
		"class_id":   req.ClassID,
		"session_id": req.SessionID,
		"method":     req.Method,
		"confidence": req.Confidence,
	}
	var out attendance.Result
	_, err := c.authed(ctx, http.MethodPost, "/v1/attendance/commit", body, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status < 500 && out.Status != "" {
		return out, nil
	}
	return out, err
}

// Today returns today's attendance counts.
func (c *Client) Today(ctx context.Context) (attendance.Stats, error) {
	var out attendance.Stats
	_, err := c.authed(ctx, http.MethodGet, "/v1/attendance/today", nil, &out)
	return out, err
}

// authed sends an authenticated request, refreshing the tokens once on 401.
func (c *Client) authed(ctx context.Context, method, path string, body, out any) (int, error) {
	s := c.Session()
	if s.AccessToken == "" {
		return 0, ErrUnauthorized
	}
	code, err := c.do(ctx, method, path, s.AccessToken, body, out)
	if !errors.Is(err, ErrUnauthorized) || s.RefreshToken == "" {
		return code, err
	}
	s, rerr := c.Refresh(ctx)
	if rerr != nil {
		return code, err
	}
	return c.do(ctx, method, path, s.AccessToken, body, out)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return resp.StatusCode, statusError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func statusError(code int, body []byte) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return &APIError{Status: code, Message: msg}
}

func mapImageError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Status == http.StatusRequestEntityTooLarge:
		return face.ErrImageTooLarge
	case apiErr.Status == http.StatusUnprocessableEntity:
		return face.ErrNoFaceDetected
	case apiErr.Status == http.StatusBadRequest && apiErr.Message == "invalid_image":
		return face.ErrInvalidImage
	}
	return err
}
