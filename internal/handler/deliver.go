package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/leca/imagevault/internal/access"
	"github.com/leca/imagevault/internal/api"
)

// accessRequest collects the credentials of a read request.
func accessRequest(r *http.Request) access.Request {
	p := api.PrincipalFrom(r.Context())
	return access.Request{
		AssetID:         chi.URLParam(r, "id"),
		Size:            r.URL.Query().Get("size"),
		Token:           r.URL.Query().Get("token"),
		Bearer:          p.Tenant,
		BearerPresented: p.Presented,
	}
}

// DeliverImage handles GET /images/{id} -- streams the requested size.
// A missing variant is served from the original and flagged with
// X-Image-Variant: original.
func (h *Handler) DeliverImage(w http.ResponseWriter, r *http.Request) {
	g, rc, err := h.Broker.Open(r.Context(), accessRequest(r))
	if err != nil {
		api.Error(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", g.MimeType)
	if e, ok := g.Asset.Variants[g.Size]; ok && e.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(e.Size, 10))
	}
	if g.Asset.IsPublic {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=3600")
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if g.Fallback {
		w.Header().Set("X-Image-Variant", "original")
	} else {
		w.Header().Set("X-Image-Variant", g.Size)
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("asset_id", g.Asset.ID).Msg("stream interrupted")
	}
}

// GetImageInfo handles GET /images/{id}/info.
func (h *Handler) GetImageInfo(w http.ResponseWriter, r *http.Request) {
	d, err := h.Broker.Describe(r.Context(), accessRequest(r))
	if err != nil {
		api.Error(w, r, err)
		return
	}
	if d.Fallback {
		w.Header().Set("X-Image-Variant", "original")
	}
	api.OK(w, r, d)
}
