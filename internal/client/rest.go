package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/groupchat/internal/model"
)

// API is the REST collaborator client: message history, the public-key
// directory, group-key distribution and blob upload. It satisfies
// session.KeyDirectory.
type API struct {
	base   string
	http   *http.Client
	header http.Header
}

// NewAPI takes the API base URL, e.g. http://host/api/v1. header carries the
// session cookie and is attached to every request.
func NewAPI(base string, header http.Header) *API {
	return &API{
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		header: header,
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	for k, vs := range a.header {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

func notFound(err error) bool {
	if ae, ok := err.(*apiError); ok {
		return ae.Status == http.StatusNotFound
	}
	return false
}

// History fetches the newest messages of a group, oldest first. before is
// optional and pages backwards.
func (a *API) History(ctx context.Context, groupID string, limit int, before time.Time) ([]model.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/groups/" + url.PathEscape(groupID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []model.Message
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPublicKey returns nil when the user has not published a key.
func (a *API) GetPublicKey(ctx context.Context, userID string) (*model.PublicKey, error) {
	var out model.PublicKey
	err := a.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(userID), nil, &out)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) PublishPublicKey(ctx context.Context, userID string, publicKey []byte) error {
	body := model.PublicKey{UserID: userID, Key: base64.StdEncoding.EncodeToString(publicKey)}
	return a.do(ctx, http.MethodPost, "/keys", body, nil)
}

// StoreGroupKeys posts the whole wrapped-key batch in one request.
func (a *API) StoreGroupKeys(ctx context.Context, batch model.GroupKeyBatch) error {
	return a.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(batch.GroupID)+"/keys", batch, nil)
}

// GetWrappedKey returns nil when no key has been wrapped for the user.
func (a *API) GetWrappedKey(ctx context.Context, groupID, userID string) (*model.WrappedGroupKey, error) {
	path := "/groups/" + url.PathEscape(groupID) + "/keys/" + url.PathEscape(userID)
	var out model.WrappedGroupKey
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) EnableEncryption(ctx context.Context, groupID, userID string) error {
	body := struct {
		UserID string `json:"user_id"`
	}{UserID: userID}
	return a.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/encryption", body, nil)
}

// Upload posts a blob as multipart form data and returns its reference.
func (a *API) Upload(ctx context.Context, filename, contentType string, r io.Reader) (*model.FileRef, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("api: upload form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("api: upload copy: %w", err)
	}
	if contentType != "" {
		w.WriteField("type", contentType)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("api: upload close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("api: upload: %w", err)
	}
	for k, vs := range a.header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return nil, &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	var ref model.FileRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("api: upload decode: %w", err)
	}
	return &ref, nil
}
