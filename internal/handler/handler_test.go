package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/internal/model"
	memorystorage "github.com/groupchat/internal/storage/memory"
)

func TestCreateSessionIssuesSecret(t *testing.T) {
	store := memorystorage.New()
	defer store.Close()
	h := NewAuthHandler(store)

	rec := httptest.NewRecorder()
	h.CreateSession(rec, httptest.NewRequest(http.MethodPost, "/auth/session", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateSessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.SessionID)
	require.NotEmpty(t, resp.UserID)

	secret, err := base64.StdEncoding.DecodeString(resp.Secret)
	require.NoError(t, err)
	require.Len(t, secret, 32)

	s, err := store.GetSession(context.Background(), resp.SessionID)
	require.NoError(t, err)
	require.Equal(t, resp.UserID, s.UserID)
	require.Equal(t, resp.Secret, s.Secret)
}

func TestUploadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h := NewUploadHandler(dir, 1<<20)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("not really a png"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("type", "image/png"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var ref model.FileRef
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ref))
	require.Equal(t, "image/png", ref.Type)
	require.Equal(t, int64(len("not really a png")), ref.Size)
	require.Contains(t, ref.URL, "/files/")

	r := chi.NewRouter()
	r.Get("/files/{filename}", h.Serve)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + ref.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadRequiresFile(t *testing.T) {
	h := NewUploadHandler(t.TempDir(), 1<<20)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("type", "text/plain"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
