package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuthRequired, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindQuotaExceeded, http.StatusRequestEntityTooLarge},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.kind))
	}
}

func TestAsWrapped(t *testing.T) {
	inner := NotFound("asset not found")
	wrapped := fmt.Errorf("open asset: %w", inner)

	got := As(wrapped)
	assert.Same(t, inner, got)
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.False(t, IsKind(wrapped, KindForbidden))
}

func TestAsUnclassifiedIsInternal(t *testing.T) {
	cause := errors.New("disk on fire")
	got := As(cause)

	assert.Equal(t, KindInternal, got.Kind)
	assert.Equal(t, "internal server error", got.Message)
	assert.ErrorIs(t, got, cause)
}
