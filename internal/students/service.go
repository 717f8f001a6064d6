package students

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/incogx/Facer-app/internal/auth"
	"github.com/incogx/Facer-app/internal/cloudinary"
	"github.com/incogx/Facer-app/internal/face"
	"github.com/incogx/Facer-app/internal/faceclient"
)

const (
	minPasswordLen = 6
	// bcrypt rejects longer inputs
	maxPasswordLen = 72
)

// ImageDecoder validates and decodes a base64 enrollment image.
type ImageDecoder interface {
	Decode(imageBase64 string) ([]byte, error)
}

// Uploader stores the enrollment photo.
type Uploader interface {
	UploadBase64(ctx context.Context, data, publicID string) (*cloudinary.UploadResult, error)
}

// FaceEnroller registers the face with the recognition service.
type FaceEnroller interface {
	Enroll(ctx context.Context, studentID, imageBase64, imageURL string) (*faceclient.EnrollResult, error)
}

// SignupRequest carries a new student's details.
type SignupRequest struct {
	RegistrationNumber string `json:"registration_number"`
	Password           string `json:"password"`
	Name               string `json:"name"`
	Email              string `json:"email"`
	Department         string `json:"department"`
}

// Service handles registration, login and enrollment.
type Service struct {
	repo     Repository
	tokens   TokenStore
	signer   *auth.Signer
	images   ImageDecoder
	uploader Uploader
	enroller FaceEnroller
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithUploader stores enrollment photos through u.
func WithUploader(u Uploader) Option { return func(s *Service) { s.uploader = u } }

// WithFaceEnroller registers faces with e and keeps its template id.
func WithFaceEnroller(e FaceEnroller) Option { return func(s *Service) { s.enroller = e } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a service.
func NewService(repo Repository, tokens TokenStore, signer *auth.Signer, images ImageDecoder, log *zap.Logger, opts ...Option) *Service {
	s := &Service{repo: repo, tokens: tokens, signer: signer, images: images, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Signup registers a student and issues tokens.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (Student, auth.TokenPair, error) {
	req.RegistrationNumber = strings.TrimSpace(req.RegistrationNumber)
	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.RegistrationNumber == "":
		return Student{}, auth.TokenPair{}, fmt.Errorf("%w: registration_number required", ErrInvalidInput)
	case req.Name == "":
		return Student{}, auth.TokenPair{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	case len(req.Password) < minPasswordLen:
		return Student{}, auth.TokenPair{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	case len(req.Password) > maxPasswordLen:
		return Student{}, auth.TokenPair{}, fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Student{}, auth.TokenPair{}, fmt.Errorf("hash password: %w", err)
	}
	st := Student{
		ID:                 uuid.NewString(),
		RegistrationNumber: req.RegistrationNumber,
		Name:               req.Name,
		Email:              strings.TrimSpace(req.Email),
		Department:         strings.TrimSpace(req.Department),
		PasswordHash:       string(hash),
		CreatedAt:          s.now().UTC(),
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return Student{}, auth.TokenPair{}, err
	}
	s.log.Info("student registered", zap.String("student_id", st.ID))

	pair, err := s.issue(ctx, st.ID)
	if err != nil {
		return Student{}, auth.TokenPair{}, err
	}
	return st, pair, nil
}

// Login checks credentials and issues tokens.
func (s *Service) Login(ctx context.Context, regNo, password string) (Student, auth.TokenPair, error) {
	st, err := s.repo.GetByRegistration(ctx, strings.TrimSpace(regNo))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Student{}, auth.TokenPair{}, ErrInvalidCredentials
		}
		return Student{}, auth.TokenPair{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(st.PasswordHash), []byte(password)) != nil {
		return Student{}, auth.TokenPair{}, ErrInvalidCredentials
	}
	pair, err := s.issue(ctx, st.ID)
	if err != nil {
		return Student{}, auth.TokenPair{}, err
	}
	return st, pair, nil
}

// Refresh rotates a refresh token. Each token can be used once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	claims, err := s.signer.Parse(refreshToken, auth.KindRefresh)
	if err != nil {
		return auth.TokenPair{}, ErrInvalidRefresh
	}
	owner, err := s.tokens.Consume(ctx, refreshToken, s.now())
	if err != nil {
		return auth.TokenPair{}, err
	}
	if owner != claims.Subject {
		return auth.TokenPair{}, ErrInvalidRefresh
	}
	return s.issue(ctx, owner)
}

// Get returns a student by id.
func (s *Service) Get(ctx context.Context, id string) (Student, error) {
	return s.repo.Get(ctx, id)
}

// Enroll stores the student's face template reference. It can be done once.
func (s *Service) Enroll(ctx context.Context, studentID, imageBase64 string) (Student, error) {
	st, err := s.repo.Get(ctx, studentID)
	if err != nil {
		return Student{}, err
	}
	if st.Enrolled() {
		return Student{}, ErrAlreadyEnrolled
	}
	if _, err := s.images.Decode(imageBase64); err != nil {
		return Student{}, err
	}

	var imageURL string
	if s.uploader != nil {
		res, err := s.uploader.UploadBase64(ctx, imageBase64, studentID)
		if err != nil {
			return Student{}, fmt.Errorf("store enrollment photo: %w", err)
		}
		imageURL = res.SecureURL
	}

	ref := "face_" + uuid.NewString()
	if s.enroller != nil {
		res, err := s.enroller.Enroll(ctx, studentID, imageBase64, imageURL)
		if errors.Is(err, faceclient.ErrNoFace) {
			return Student{}, face.ErrNoFaceDetected
		}
		if err != nil {
			return Student{}, fmt.Errorf("enroll face: %w", err)
		}
		if res.TemplateID != "" {
			ref = res.TemplateID
		}
	}

	if err := s.repo.SetFaceTemplate(ctx, studentID, ref, s.now().UTC()); err != nil {
		return Student{}, err
	}
	s.log.Info("face enrolled", zap.String("student_id", studentID), zap.Bool("photo_stored", imageURL != ""))
	return s.repo.Get(ctx, studentID)
}

func (s *Service) issue(ctx context.Context, studentID string) (auth.TokenPair, error) {
	pair, err := s.signer.Issue(studentID, auth.RoleStudent)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if err := s.tokens.Save(ctx, studentID, pair.RefreshToken, pair.RefreshExp); err != nil {
		return auth.TokenPair{}, err
	}
	return pair, nil
}
