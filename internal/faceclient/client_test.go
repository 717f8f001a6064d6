package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_DecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "stu-1", in["student_id"])
		assert.Equal(t, "aGk=", in["image_base64"])
		_, _ = w.Write([]byte(`{"student_id":"stu-1","verified":true,"similarity":0.82,"faces_detected":1}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, 0).Verify(context.Background(), "stu-1", "aGk=")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.InDelta(t, 0.82, res.Similarity, 1e-9)
}

func TestVerify_NoFace(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"zero faces": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"verified":false,"similarity":0,"faces_detected":0}`))
		},
		"422": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := New(srv.URL, 0).Verify(context.Background(), "stu-1", "aGk=")
			assert.ErrorIs(t, err, ErrNoFace)
		})
	}
}

func TestVerify_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).Verify(context.Background(), "stu-1", "aGk=")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoFace)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestEnroll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["student_id"] == "bad" {
			_, _ = w.Write([]byte(`{"success":false,"message":"face too small"}`))
			return
		}
		_, _ = w.Write([]byte(`{"student_id":"stu-1","success":true,"template_id":"tpl-9"}`))
	}))
	defer srv.Close()
	c := New(srv.URL, 0)

	res, err := c.Enroll(context.Background(), "stu-1", "aGk=", "")
	require.NoError(t, err)
	assert.Equal(t, "tpl-9", res.TemplateID)

	_, err = c.Enroll(context.Background(), "bad", "aGk=", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "face too small")
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, 0).Health(context.Background()))
	require.Error(t, New(srv.URL+"/nope", 0).Health(context.Background()))
}
