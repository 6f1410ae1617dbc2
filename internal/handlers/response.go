package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/platform/apierr"
	"github.com/attentia/gazestore/internal/services"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps service-layer failures onto HTTP statuses so every
// handler reports the commit failure kinds the same way.
func RespondServiceError(c *gin.Context, err error) {
	var ae *apierr.Error
	switch {
	case errors.As(err, &ae):
		RespondError(c, ae.Status, ae.Code, ae.Err)
	case errors.Is(err, services.ErrSessionNotFound):
		RespondError(c, http.StatusNotFound, "session_not_found", err)
	case errors.Is(err, services.ErrSessionNotAcceptingSnapshots):
		RespondError(c, http.StatusConflict, "session_not_accepting_snapshots", err)
	case errors.Is(err, services.ErrNoSnapshots):
		RespondError(c, http.StatusBadRequest, "no_snapshots", err)
	case errors.Is(err, sessions.ErrVersionConflict):
		RespondError(c, http.StatusConflict, "version_conflict", err)
	default:
		var bw *services.BlobWriteError
		var mc *services.MetadataCommitError
		if errors.As(err, &bw) {
			RespondError(c, http.StatusInternalServerError, "blob_write_failed", err)
			return
		}
		if errors.As(err, &mc) {
			RespondError(c, http.StatusInternalServerError, "metadata_commit_failed", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
