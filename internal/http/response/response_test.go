package response

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad signature", models.ErrInvalidPayload), http.StatusBadRequest},
		{models.ErrUnknownTariff, http.StatusBadRequest},
		{models.ErrUserBanned, http.StatusForbidden},
		{fmt.Errorf("op: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrAlreadyRedeemed, http.StatusConflict},
		{models.ErrDuplicate, http.StatusConflict},
		{models.ErrCodeExpired, http.StatusGone},
		{fmt.Errorf("%w: %s", models.ErrServingDisabled, models.ServingDisabledMessage), http.StatusServiceUnavailable},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestMessageHidesInternalErrors(t *testing.T) {
	assert.Equal(t, "internal error", Message(errors.New("pq: password authentication failed")))
	assert.Equal(t, models.ServingDisabledMessage, Message(models.ErrServingDisabled))
	assert.Equal(t, "not found", Message(models.ErrNotFound))
}

func TestValidationError(t *testing.T) {
	type req struct {
		UserID int64  `validate:"required,gt=0"`
		Code   string `validate:"required,max=4"`
	}
	err := validator.New().Struct(req{UserID: -1, Code: "TOOLONG"})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)

	resp := ValidationError(verrs)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "field UserID must be greater than 0")
	assert.Contains(t, resp.Error, "field Code must be at most 4 characters")
}
