package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/leca/imagevault/internal/access"
	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/config"
	"github.com/leca/imagevault/internal/ingest"
	"github.com/leca/imagevault/internal/tenant"
)

// maxJSONBody caps every JSON request body.
const maxJSONBody = 1 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Tenants  *tenant.Service
	Pipeline *ingest.Pipeline
	Broker   *access.Broker
	Config   *config.Config

	validate *validator.Validate
}

func New(tenants *tenant.Service, pipeline *ingest.Pipeline, broker *access.Broker, cfg *config.Config) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Tenants:  tenants,
		Pipeline: pipeline,
		Broker:   broker,
		Config:   cfg,
		validate: v,
	}
}

// decodeJSON reads a JSON body into dst and validates it.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validationf("invalid JSON body: %v", err)
	}
	return h.check(dst)
}

// check runs struct validation and reports every failing field.
func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Internal(err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Namespace()[strings.IndexByte(fe.Namespace(), '.')+1:]] = rule
	}
	e := apperr.Validation("request validation failed")
	e.Details = fields
	return e
}
