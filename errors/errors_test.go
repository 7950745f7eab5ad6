package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/stretchr/testify/require"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("loading session: %w", apperror.ErrSessionNotFound)
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)
	require.NotErrorIs(t, err, apperror.ErrSessionExpired)
}

func TestAsErrorWrapsUnknown(t *testing.T) {
	cause := stderrors.New("boom")
	appErr := apperror.AsError(cause)
	require.Equal(t, apperror.CodeInternal, appErr.Code)
	require.ErrorIs(t, appErr, cause)

	// a typed error passes through untouched
	typed := apperror.New(apperror.CodeConflict, "nope")
	require.Same(t, typed, apperror.AsError(fmt.Errorf("outer: %w", typed)))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[apperror.Code]int{
		apperror.CodeValidation:     http.StatusBadRequest,
		apperror.CodeMissingChunks:  http.StatusBadRequest,
		apperror.CodeDigestMismatch: http.StatusBadRequest,
		apperror.CodeStructural:     http.StatusBadRequest,
		apperror.CodeNotFound:       http.StatusNotFound,
		apperror.CodeConflict:       http.StatusConflict,
		apperror.CodeBackpressure:   http.StatusServiceUnavailable,
		apperror.CodeStorage:        http.StatusInternalServerError,
		apperror.CodeInternal:       http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, apperror.New(code, "x").HTTPStatus(), "code %s", code)
	}
}

func TestMissingChunksDetails(t *testing.T) {
	err := apperror.MissingChunks([]uint32{1, 4})
	require.Equal(t, apperror.CodeMissingChunks, err.Code)
	require.Equal(t, []uint32{1, 4}, err.Details["missingChunks"])
}
