// Package httpapi exposes the attendance services over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/attendance"
	"github.com/incogx/Facer-app/internal/auth"
	"github.com/incogx/Facer-app/internal/face"
	"github.com/incogx/Facer-app/internal/qr"
	"github.com/incogx/Facer-app/internal/students"
)

// VerificationHook is told about every face verification.
type VerificationHook interface {
	VerificationDone(ctx context.Context, studentID string, res face.Result, err error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Handler holds the services behind the HTTP routes.
type Handler struct {
	students   *students.Service
	validator  *qr.Validator
	faces      *face.Service
	attendance *attendance.Service
	hook       VerificationHook
	db         HealthChecker
	redis      HealthChecker
	log        *zap.Logger
}

// Deps lists the collaborators of a Handler. Hook, DB and Redis are optional.
type Deps struct {
	Students   *students.Service
	Validator  *qr.Validator
	Faces      *face.Service
	Attendance *attendance.Service
	Hook       VerificationHook
	DB         HealthChecker
	Redis      HealthChecker
	Log        *zap.Logger
}

// New creates a handler.
func New(d Deps) *Handler {
	return &Handler{
		students:   d.Students,
		validator:  d.Validator,
		faces:      d.Faces,
		attendance: d.Attendance,
		hook:       d.Hook,
		db:         d.DB,
		redis:      d.Redis,
		log:        d.Log,
	}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	dbOK := h.db == nil || h.db.Healthy(ctx)
	redisOK := h.redis == nil || h.redis.Healthy(ctx)
	status, code := "ok", http.StatusOK
	if !dbOK || !redisOK {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "db": dbOK, "redis": redisOK})
}

// ---------- Auth ----------

type signupRequest struct {
	RegistrationNumber string `json:"registration_number" binding:"required"`
	Password           string `json:"password" binding:"required"`
	Name               string `json:"name" binding:"required"`
	Email              string `json:"email"`
	Department         string `json:"department"`
}

func (h *Handler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, pair, err := h.students.Signup(c.Request.Context(), students.SignupRequest(req))
	if err != nil {
		h.studentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tokenResponse(st, pair))
}

type loginRequest struct {
	RegistrationNumber string `json:"registration_number" binding:"required"`
	Password           string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, pair, err := h.students.Login(c.Request.Context(), req.RegistrationNumber, req.Password)
	if err != nil {
		h.studentError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(st, pair))
}

func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, err := h.students.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.studentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
	})
}

func tokenResponse(st students.Student, pair auth.TokenPair) gin.H {
	return gin.H{
		"student":       st,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
	}
}

// ---------- Profile & enrollment ----------

func (h *Handler) Me(c *gin.Context) {
	st, err := h.students.Get(c.Request.Context(), auth.Subject(c))
	if err != nil {
		h.studentError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type imageRequest struct {
	StudentID   string `json:"student_id"`
	ImageBase64 string `json:"image_base64"`
}

func (h *Handler) EnrollFace(c *gin.Context) {
	req, ok := h.bindImage(c)
	if !ok {
		return
	}
	st, err := h.students.Enroll(c.Request.Context(), auth.Subject(c), req.ImageBase64)
	if err != nil {
		if face.IsInputError(err) {
			faceError(c, err)
			return
		}
		h.studentError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ---------- Verification ----------

func (h *Handler) ValidateQR(c *gin.Context) {
	var req struct {
		QRPayload string `json:"qr_payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := h.validator.Validate(c.Request.Context(), req.QRPayload)
	if err != nil {
		h.log.Error("qr validation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation unavailable"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) VerifyFace(c *gin.Context) {
	req, ok := h.bindImage(c)
	if !ok {
		return
	}
	studentID := auth.Subject(c)
	if req.StudentID != "" && req.StudentID != studentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "student mismatch"})
		return
	}

	ctx := c.Request.Context()
	res, err := h.faces.Verify(ctx, studentID, req.ImageBase64)
	if h.hook != nil {
		h.hook.VerificationDone(ctx, studentID, res, err)
	}
	if err != nil {
		h.log.Info("face verification rejected", zap.String("student_id", studentID), zap.Error(err))
		faceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// bindImage reads an image body capped slightly above the image limit so an
// oversized upload is reported as image_too_large.
func (h *Handler) bindImage(c *gin.Context) (imageRequest, bool) {
	limit := int64(h.faces.MaxImageBase64()) + 64<<10
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			faceError(c, face.ErrImageTooLarge)
			return imageRequest{}, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return imageRequest{}, false
	}
	return req, true
}

// ---------- Attendance ----------

type commitRequest struct {
	StudentID  string  `json:"student_id"`
	ClassID    string  `json:"class_id"`
	SessionID  string  `json:"session_id"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
}

func (h *Handler) CommitAttendance(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, attendance.Result{Status: attendance.StatusError, Message: err.Error()})
		return
	}
	studentID := auth.Subject(c)
	if req.StudentID != "" && req.StudentID != studentID {
		c.JSON(http.StatusForbidden, attendance.Result{Status: attendance.StatusError, Message: "student mismatch"})
		return
	}

	res, err := h.attendance.Commit(c.Request.Context(), attendance.CommitRequest{
		StudentID:  studentID,
		ClassID:    req.ClassID,
		SessionID:  req.SessionID,
		Method:     req.Method,
		Confidence: req.Confidence,
	})
	if err != nil {
		code, msg := http.StatusInternalServerError, "attendance could not be recorded"
		switch {
		case errors.Is(err, attendance.ErrInvalidRequest), errors.Is(err, attendance.ErrClassMismatch):
			code, msg = http.StatusBadRequest, err.Error()
		case errors.Is(err, attendance.ErrSessionNotFound):
			code, msg = http.StatusNotFound, err.Error()
		default:
			h.log.Error("attendance commit failed", zap.String("student_id", studentID), zap.Error(err))
		}
		c.JSON(code, attendance.Result{Status: attendance.StatusError, Message: msg})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListAttendance(c *gin.Context) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	marks, err := h.attendance.List(c.Request.Context(), auth.Subject(c), limit, offset)
	if err != nil {
		h.log.Error("list attendance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marks": marks})
}

func (h *Handler) Today(c *gin.Context) {
	stats, err := h.attendance.Today(c.Request.Context(), auth.Subject(c))
	if err != nil {
		h.log.Error("today stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ---------- Error mapping ----------

func faceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, face.ErrImageTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image_too_large"})
	case errors.Is(err, face.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_image"})
	case errors.Is(err, face.ErrNoFaceDetected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_face_detected"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "verification_unavailable"})
	}
}

func (h *Handler) studentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, students.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, students.ErrInvalidCredentials), errors.Is(err, students.ErrInvalidRefresh):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, students.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, students.ErrDuplicateRegistration), errors.Is(err, students.ErrAlreadyEnrolled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Error("student request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "request could not be completed"})
	}
}
