package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("record scan: %w", Validationf("code %q is blank", " "))

	assert.True(t, Is(err, ErrValidation))
	assert.False(t, Is(err, ErrDuplicate))
}

func TestIsValidation_CoversScanRejections(t *testing.T) {
	for _, err := range []error{ErrValidation, ErrNoActiveBatch, ErrBatchClosed, ErrDuplicate} {
		assert.True(t, IsValidation(err), "%v", err)
	}
	assert.False(t, IsValidation(RemoteUnavailable(io.EOF, "upload")))
	assert.False(t, IsValidation(io.EOF))
}

func TestWrap_KeepsCause(t *testing.T) {
	err := Store(io.ErrUnexpectedEOF, "put tag")

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrStore)
	assert.Equal(t, "put tag: unexpected EOF", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeCascadeFailure, CodeOf(fmt.Errorf("drain: %w", CascadeFailure("b1", io.EOF))))
	assert.Equal(t, CodeInternal, CodeOf(io.EOF))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, CodeDuplicate.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, ErrNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, CodeConflict.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, CodeUnauthorized.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeStore.HTTPStatus())
}
