package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"missing config keys", fmt.Errorf("load: %w", &pipeconfig.MissingKeyError{Keys: []string{"DB_FILE"}}), CodeConfig},
		{"bad config value", fmt.Errorf("%w: RFI_ZAP_TOLERANCE", pipeconfig.ErrInvalidValue), CodeConfig},
		{"store in use", fmt.Errorf("open: %w", obsstore.ErrStoreInUse), CodeInvalidInput},
		{"not found", obsstore.ErrNotFound, CodeNotFound},
		{"tool exit", fmt.Errorf("run: %w", &toolrun.ExitError{Command: "pam", Code: 1}), CodeExternalService},
		{"invalid state", NewInvalidStateError("database exists"), CodeInvalidState},
		{"plain", stderrors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, foundry.ExitSignalInt, ExitCode(fmt.Errorf("run: %w", context.Canceled)))
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(NewConfigError("bad config", nil)))
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(obsstore.ErrStoreInUse))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(NewExternalServiceError("sacct unavailable")))
	assert.Equal(t, ExitFailure, ExitCode(stderrors.New("boom")))
}

func TestWrapInternalKeepsCancellation(t *testing.T) {
	assert.Nil(t, WrapInternal(context.Background(), nil, "nothing"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WrapInternal(ctx, stderrors.New("query failed"), "list observations")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Equal(t, CodeInternal, err.Code)
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"not found", NewNotFoundError("observation 7 not found"), http.StatusNotFound, CodeNotFound, "observation 7 not found"},
		{"bad input", NewInvalidInputError("invalid id", stderrors.New("strconv")), http.StatusBadRequest, CodeInvalidInput, "invalid id"},
		{"internal hides cause", stderrors.New("disk I/O error"), http.StatusInternalServerError, CodeInternal, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/v1/observations/7", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
		})
	}
}

func TestRespondWithErrorDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewExternalServiceError("scheduler unavailable").WithDetails(map[string]any{"tool": "sacct"})
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil), err)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "sacct", body.Error.Details["tool"])
}
