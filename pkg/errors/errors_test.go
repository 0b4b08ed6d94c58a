package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"format", fmt.Errorf("%w: record 3 truncated", ErrFormat), http.StatusUnprocessableEntity},
		{"bounds", fmt.Errorf("%w: feature 9", ErrBounds), http.StatusUnprocessableEntity},
		{"input", fmt.Errorf("%w: exclusions unsorted", ErrInvalidInput), http.StatusBadRequest},
		{"config", fmt.Errorf("%w: mindate > maxdate", ErrConfig), http.StatusBadRequest},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"timeout", ErrTimeout, http.StatusServiceUnavailable},
		{"app error wins", Newf(ErrFormat, http.StatusTeapot, "odd"), http.StatusTeapot},
		{"unknown", context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusCode(tt.err))
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	err := New(ErrBounds, http.StatusUnprocessableEntity, "feature 12 >= 10")
	assert.ErrorIs(t, err, ErrBounds)
	assert.Equal(t, "feature id out of bounds: feature 12 >= 10", err.Error())
}

func TestIsInputFault(t *testing.T) {
	assert.True(t, IsInputFault(fmt.Errorf("wrap: %w", ErrFormat)))
	assert.True(t, IsInputFault(ErrConfig))
	assert.False(t, IsInputFault(ErrInternal))
	assert.False(t, IsInputFault(ErrUnavailable))
}
