package handler

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

// UploadHandler stores message attachments on local disk and serves them
// back. Stored names are random; the original name never reaches the
// filesystem.
type UploadHandler struct {
	dir     string
	maxSize int64
}

func NewUploadHandler(dir string, maxSize int64) *UploadHandler {
	return &UploadHandler{dir: dir, maxSize: maxSize}
}

// Upload accepts a multipart form with a "file" part and an optional "type"
// field overriding the detected content type. Responds with the file
// reference the message payload carries.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	contentType := r.FormValue("type")
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		logger.Errorf("upload mkdir %s: %v", h.dir, err)
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	name := uuid.New().String() + sanitizeExt(header)
	size, err := h.save(file, filepath.Join(h.dir, name))
	if err != nil {
		logger.Errorf("upload save %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	writeJSON(w, http.StatusCreated, model.FileRef{
		URL:  "/files/" + name,
		Type: contentType,
		Size: size,
	})
}

func (h *UploadHandler) save(src multipart.File, path string) (int64, error) {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	defer dst.Close()
	return io.Copy(dst, src)
}

func (h *UploadHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	if filename == "." || filename == "/" {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	http.ServeFile(w, r, filepath.Join(h.dir, filename))
}

// sanitizeExt keeps a short extension from the uploaded name so served files
// get a sensible content type, without trusting anything else about it.
func sanitizeExt(header *multipart.FileHeader) string {
	ext := filepath.Ext(header.Filename)
	if ext == "" || len(ext) > 10 {
		return ""
	}
	for _, c := range ext[1:] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return ""
		}
	}
	return ext
}
