package students

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/auth"
	"github.com/incogx/Facer-app/internal/cloudinary"
	"github.com/incogx/Facer-app/internal/face"
	"github.com/incogx/Facer-app/internal/faceclient"
)

var jpegB64 = base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00})

type fakeUploader struct {
	calls int
	err   error
}

func (f *fakeUploader) UploadBase64(_ context.Context, _, publicID string) (*cloudinary.UploadResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &cloudinary.UploadResult{PublicID: publicID, SecureURL: "https://cdn/" + publicID + ".jpg"}, nil
}

type fakeEnroller struct {
	gotURL string
	err    error
}

func (f *fakeEnroller) Enroll(_ context.Context, studentID, _, imageURL string) (*faceclient.EnrollResult, error) {
	f.gotURL = imageURL
	if f.err != nil {
		return nil, f.err
	}
	return &faceclient.EnrollResult{StudentID: studentID, Success: true, TemplateID: "tpl-" + studentID}, nil
}

func newService(opts ...Option) (*Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	signer := auth.NewSigner("facer", "test-key", 15*time.Minute, time.Hour)
	return NewService(repo, NewMemoryTokenStore(), signer, face.NewService(nil, 0, 0), zap.NewNop(), opts...), repo
}

func signup(t *testing.T, svc *Service) (Student, auth.TokenPair) {
	t.Helper()
	st, pair, err := svc.Signup(context.Background(), SignupRequest{
		RegistrationNumber: "21BCE1001", Password: "secret1", Name: "Asha", Department: "CSE",
	})
	require.NoError(t, err)
	return st, pair
}

func TestSignupAndLogin(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	st, pair := signup(t, svc)
	assert.NotEmpty(t, st.ID)
	assert.NotEqual(t, "secret1", st.PasswordHash)
	assert.NotEmpty(t, pair.AccessToken)
	assert.False(t, st.Enrolled())

	got, _, err := svc.Login(ctx, " 21BCE1001 ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)

	_, _, err = svc.Login(ctx, "21BCE1001", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Signup(ctx, SignupRequest{RegistrationNumber: "21BCE1001", Password: "secret2", Name: "Other"})
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
}

func TestSignupValidation(t *testing.T) {
	svc, _ := newService()
	for _, req := range []SignupRequest{
		{Password: "secret1", Name: "A"},
		{RegistrationNumber: "R1", Password: "secret1"},
		{RegistrationNumber: "R1", Password: "123", Name: "A"},
		{RegistrationNumber: "R1", Password: strings.Repeat("p", 80), Name: "A"},
	} {
		_, _, err := svc.Signup(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestRefreshRotatesOnce(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	st, pair := signup(t, svc)

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefresh)

	_, err = svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidRefresh, "access tokens cannot refresh")

	claims, err := svc.signer.Parse(next.AccessToken, auth.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, st.ID, claims.Subject)
}

func TestEnrollWriteOnce(t *testing.T) {
	up := &fakeUploader{}
	en := &fakeEnroller{}
	svc, _ := newService(WithUploader(up), WithFaceEnroller(en))
	ctx := context.Background()
	st, _ := signup(t, svc)

	enrolled, err := svc.Enroll(ctx, st.ID, jpegB64)
	require.NoError(t, err)
	assert.Equal(t, "tpl-"+st.ID, enrolled.FaceTemplateRef)
	require.NotNil(t, enrolled.EnrolledAt)
	assert.Equal(t, "https://cdn/"+st.ID+".jpg", en.gotURL)

	_, err = svc.Enroll(ctx, st.ID, jpegB64)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	assert.Equal(t, 1, up.calls, "no upload for a rejected enrollment")

	again, err := svc.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, enrolled.FaceTemplateRef, again.FaceTemplateRef)
}

func TestEnrollWithoutCollaborators(t *testing.T) {
	svc, _ := newService()
	st, _ := signup(t, svc)

	enrolled, err := svc.Enroll(context.Background(), st.ID, jpegB64)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^face_[0-9a-f-]{36}$`), enrolled.FaceTemplateRef)
}

func TestEnrollErrors(t *testing.T) {
	ctx := context.Background()

	svc, _ := newService()
	st, _ := signup(t, svc)
	_, err := svc.Enroll(ctx, st.ID, "%%%")
	assert.ErrorIs(t, err, face.ErrInvalidImage)
	_, err = svc.Enroll(ctx, "missing", jpegB64)
	assert.ErrorIs(t, err, ErrNotFound)

	svc, _ = newService(WithFaceEnroller(&fakeEnroller{err: faceclient.ErrNoFace}))
	st, _ = signup(t, svc)
	_, err = svc.Enroll(ctx, st.ID, jpegB64)
	assert.ErrorIs(t, err, face.ErrNoFaceDetected)

	svc, repo := newService(WithUploader(&fakeUploader{err: errors.New("cdn down")}))
	st, _ = signup(t, svc)
	_, err = svc.Enroll(ctx, st.ID, jpegB64)
	assert.ErrorContains(t, err, "cdn down")
	got, err := repo.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, got.Enrolled())
}

func TestPostgresCreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO students").WillReturnError(&pgconn.PgError{Code: "23505"})
	err = NewPostgresRepository(db).Create(context.Background(), Student{ID: "s1", RegistrationNumber: "R1"})
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetFaceTemplateOnlyOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE students SET face_template_ref = \$2, enrolled_at = \$3\s+WHERE id = \$1 AND face_template_ref IS NULL`).
		WithArgs("s1", "tpl", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetFaceTemplate(context.Background(), "s1", "tpl", at))

	mock.ExpectExec("UPDATE students").WithArgs("s1", "tpl2", at).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM students WHERE id").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "registration_number", "name", "email", "department", "password_hash", "face_template_ref", "enrolled_at", "created_at"}).
			AddRow("s1", "R1", "Asha", "", "", "hash", "tpl", at, at))
	err = repo.SetFaceTemplate(context.Background(), "s1", "tpl2", at)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConsumeRefresh(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresTokenStore(db)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE refresh_tokens SET revoked = TRUE`).WithArgs("tok", now).
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}).AddRow("s1"))
	owner, err := store.Consume(context.Background(), "tok", now)
	require.NoError(t, err)
	assert.Equal(t, "s1", owner)

	mock.ExpectQuery(`UPDATE refresh_tokens SET revoked = TRUE`).WithArgs("tok", now).
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}))
	_, err = store.Consume(context.Background(), "tok", now)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
	require.NoError(t, mock.ExpectationsWereMet())
}
