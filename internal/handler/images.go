package handler

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/leca/imagevault/internal/api"
	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/ingest"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temp files.
const multipartMemory = 32 << 20

type classificationForm struct {
	Category   string   `json:"category" validate:"max=100"`
	Tags       []string `json:"tags" validate:"max=50,dive,max=50"`
	Alt        string   `json:"alt" validate:"max=500"`
	Title      string   `json:"title" validate:"max=200"`
	EntityID   string   `json:"entityId" validate:"max=100"`
	EntityType string   `json:"entityType" validate:"max=50"`
	ProductID  string   `json:"productId" validate:"max=100"`
}

type metadataRequest struct {
	Category   *string  `json:"category" validate:"omitempty,max=100"`
	Tags       []string `json:"tags" validate:"omitempty,max=50,dive,max=50"`
	Alt        *string  `json:"alt" validate:"omitempty,max=500"`
	Title      *string  `json:"title" validate:"omitempty,max=200"`
	EntityID   *string  `json:"entityId" validate:"omitempty,max=100"`
	EntityType *string  `json:"entityType" validate:"omitempty,max=50"`
	ProductID  *string  `json:"productId" validate:"omitempty,max=100"`
	IsPublic   *bool    `json:"isPublic"`
}

// parseMultipart bounds and parses a multipart request.
func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	if h.Config.Upload.MaxRequestBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.Upload.MaxRequestBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validationf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Validationf("invalid multipart form: %v", err)
	}
	return nil
}

// classification reads the optional classification fields of a form.
// Tags may be a JSON array or a comma separated list.
func (h *Handler) classification(r *http.Request) (ingest.Classification, error) {
	f := classificationForm{
		Category:   r.FormValue("category"),
		Tags:       parseTags(r.FormValue("tags")),
		Alt:        r.FormValue("alt"),
		Title:      r.FormValue("title"),
		EntityID:   r.FormValue("entityId"),
		EntityType: r.FormValue("entityType"),
		ProductID:  r.FormValue("productId"),
	}
	if err := h.check(&f); err != nil {
		return ingest.Classification{}, err
	}
	return ingest.Classification(f), nil
}

func parseTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var tags []string
	if strings.HasPrefix(raw, "[") && json.Unmarshal([]byte(raw), &tags) == nil {
		return tags
	}
	return strings.Split(raw, ",")
}

// readFile loads one multipart file part into memory. A part declaring more
// than maxSize bytes is left unread and only its size is passed on.
func readFile(fh *multipart.FileHeader, maxSize int64) (ingest.File, error) {
	if maxSize > 0 && fh.Size > maxSize {
		return ingest.File{
			Filename: fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
		}, nil
	}
	f, err := fh.Open()
	if err != nil {
		return ingest.File{}, apperr.Validationf("cannot read %q: %v", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return ingest.File{}, apperr.Validationf("cannot read %q: %v", fh.Filename, err)
	}
	return ingest.File{
		Filename: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

// formFiles returns the file parts under the first non-empty field name.
func formFiles(r *http.Request, fields ...string) []*multipart.FileHeader {
	if r.MultipartForm == nil {
		return nil
	}
	for _, name := range fields {
		if fhs := r.MultipartForm.File[name]; len(fhs) > 0 {
			return fhs
		}
	}
	return nil
}

// UploadImage handles POST /images/upload -- single multipart upload in
// field "image".
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		api.Error(w, r, err)
		return
	}

	fhs := formFiles(r, "image", "file")
	if len(fhs) == 0 {
		api.BadRequest(w, r, "missing required file field: image")
		return
	}
	file, err := readFile(fhs[0], api.TenantFrom(r.Context()).Limits.MaxFileSize)
	if err != nil {
		api.Error(w, r, err)
		return
	}
	c, err := h.classification(r)
	if err != nil {
		api.Error(w, r, err)
		return
	}

	res, err := h.Pipeline.Upload(r.Context(), api.TenantFrom(r.Context()), ingest.UploadInput{File: file, Classification: c})
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.Created(w, r, res)
}

// BulkUpload handles POST /images/bulk-upload -- up to MaxBulkFiles parts
// in field "images".
func (h *Handler) BulkUpload(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		api.Error(w, r, err)
		return
	}

	fhs := formFiles(r, "images", "files")
	if len(fhs) == 0 {
		api.BadRequest(w, r, "missing required file field: images")
		return
	}
	if len(fhs) > h.Config.Upload.MaxBulkFiles {
		api.BadRequest(w, r, "too many files: maximum is "+strconv.Itoa(h.Config.Upload.MaxBulkFiles))
		return
	}

	maxSize := api.TenantFrom(r.Context()).Limits.MaxFileSize
	files := make([]ingest.File, 0, len(fhs))
	for _, fh := range fhs {
		f, err := readFile(fh, maxSize)
		if err != nil {
			api.Error(w, r, err)
			return
		}
		files = append(files, f)
	}
	c, err := h.classification(r)
	if err != nil {
		api.Error(w, r, err)
		return
	}

	res, err := h.Pipeline.BulkUpload(r.Context(), api.TenantFrom(r.Context()), files, c)
	if err != nil {
		api.Error(w, r, err)
		return
	}
	if res.Summary.Successful == 0 {
		api.WriteJSON(w, r, http.StatusBadRequest, api.Response{
			Error:   "no files were uploaded",
			Code:    "VALIDATION_ERROR",
			Details: res,
		})
		return
	}
	api.Created(w, r, res)
}

// ListImages handles GET /images.
func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.AssetFilter{
		Category: q.Get("category"),
		Tag:      q.Get("tag"),
	}
	if v := q.Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			api.BadRequest(w, r, "page must be a positive integer")
			return
		}
		f.Page = p
	}
	if v := q.Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 || l > 100 {
			api.BadRequest(w, r, "limit must be within 1-100")
			return
		}
		f.Limit = l
	}

	page, err := h.Pipeline.List(r.Context(), api.TenantFrom(r.Context()), f)
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, page)
}

// UpdateMetadata handles PATCH /images/{id}/metadata.
func (h *Handler) UpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		api.Error(w, r, err)
		return
	}

	a, err := h.Pipeline.UpdateMetadata(r.Context(), api.TenantFrom(r.Context()), chi.URLParam(r, "id"), ingest.MetadataPatch(req))
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, map[string]any{"image": a})
}

// ReplaceImage handles PUT /images/{id}.
func (h *Handler) ReplaceImage(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		api.Error(w, r, err)
		return
	}
	fhs := formFiles(r, "image", "file")
	if len(fhs) == 0 {
		api.BadRequest(w, r, "missing required file field: image")
		return
	}
	file, err := readFile(fhs[0], api.TenantFrom(r.Context()).Limits.MaxFileSize)
	if err != nil {
		api.Error(w, r, err)
		return
	}

	res, err := h.Pipeline.Replace(r.Context(), api.TenantFrom(r.Context()), chi.URLParam(r, "id"), file)
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, res)
}

// DeleteImage handles DELETE /images/{id}.
func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := h.Pipeline.Delete(r.Context(), api.TenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, map[string]string{"message": "image deleted"})
}

// ListVersions handles GET /images/{id}/versions.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Pipeline.Versions(r.Context(), api.TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, map[string]any{"versions": versions})
}
