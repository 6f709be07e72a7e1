package api

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/leca/imagevault/internal/apperr"
)

// Error maps err to its status and envelope. Unclassified errors become 500
// and are logged with their full chain.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	if e.Kind == apperr.KindInternal {
		hlog.FromRequest(r).Error().Err(err).Msg("internal error")
	}
	if e.Kind == apperr.KindAuthRequired {
		w.Header().Set("WWW-Authenticate", `Bearer realm="imagevault"`)
	}
	WriteJSON(w, r, e.Status(), ErrorResponse(e))
}

// BadRequest writes a 400 validation envelope.
func BadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	Error(w, r, apperr.Validation(msg))
}

// NotFound writes a 404 envelope.
func NotFound(w http.ResponseWriter, r *http.Request, msg string) {
	Error(w, r, apperr.NotFound(msg))
}
