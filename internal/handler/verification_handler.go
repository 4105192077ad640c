package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// IdentityGate is the identity verification gate.
type IdentityGate interface {
	CheckAccess(ctx context.Context, actor model.Actor) (*model.AccessCheck, error)
	VerifyIdentity(ctx context.Context, actor model.Actor, liveImage []byte) (*model.VerificationResult, error)
}

// VerificationHandler serves the identity verification endpoints.
type VerificationHandler struct {
	gate          IdentityGate
	maxImageBytes int64
	log           zerolog.Logger
}

// NewVerificationHandler creates a new VerificationHandler.
func NewVerificationHandler(gate IdentityGate, maxImageBytes int64, log zerolog.Logger) *VerificationHandler {
	return &VerificationHandler{
		gate:          gate,
		maxImageBytes: maxImageBytes,
		log:           log.With().Str("component", "verification_handler").Logger(),
	}
}

// VerifyIdentity godoc
// POST /api/v1/verification
// Accepts a base64 live capture, optionally as a data URL.
func (h *VerificationHandler) VerifyIdentity(c *gin.Context) {
	if h.maxImageBytes > 0 {
		// base64 inflates by 4/3; leave room for the JSON wrapper.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImageBytes*4/3+4096)
	}

	var req model.VerifyIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrImageTooLarge)
			return
		}
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, validator.TranslateErrors(err))
		return
	}

	image, err := base64.StdEncoding.DecodeString(stripDataURL(req.LiveImage))
	if err != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"live_image": "live_image must be base64 encoded"})
		return
	}

	result, err := h.gate.VerifyIdentity(c.Request.Context(), middleware.GetActor(c), image)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// GetStatus godoc
// GET /api/v1/verification/status
func (h *VerificationHandler) GetStatus(c *gin.Context) {
	check, err := h.gate.CheckAccess(c.Request.Context(), middleware.GetActor(c))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, check)
}

// stripDataURL drops a "data:image/...;base64," prefix.
func stripDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if _, payload, ok := strings.Cut(s, ","); ok {
			return payload
		}
	}
	return s
}
