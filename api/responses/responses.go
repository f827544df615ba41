// Package responses renders the JSON envelopes every billing endpoint
// returns: {"data": ...} on success and {"error": {...}} on failure.
package responses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
)

type SuccessEnvelope struct {
	Data any `json:"data"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// Codes whose own message is safe to show callers. Others get the code's
// public message.
var callerFacing = map[pkgerrors.Code]bool{
	pkgerrors.CodeValidation:      true,
	pkgerrors.CodeSignature:       true,
	pkgerrors.CodePaymentRequired: true,
	pkgerrors.CodeGone:            true,
	pkgerrors.CodeForbidden:       true,
	pkgerrors.CodeUnauthorized:    true,
	pkgerrors.CodeNotFound:        true,
	pkgerrors.CodeConflict:        true,
	pkgerrors.CodeStateConflict:   true,
	pkgerrors.CodeIdempotency:     true,
	pkgerrors.CodeRateLimit:       true,
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, SuccessEnvelope{Data: data})
}

// WriteError maps err to its status and envelope. Untyped errors become
// INTERNAL_ERROR. Quota and credit denials log at info since they are
// normal outcomes; other client errors log at warn and server errors at
// error with the full chain.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}
	code := typed.Code()
	meta := pkgerrors.MetadataFor(code)

	body := ErrorBody{Code: string(code), Message: meta.PublicMessage}
	if callerFacing[code] && typed.Message() != "" {
		body.Message = typed.Message()
	}
	if meta.DetailsAllowed {
		body.Details = typed.Details()
	}

	status := pkgerrors.StatusOf(typed)
	logError(ctx, logg, status, code, body.Message, err)
	writeJSON(w, status, ErrorEnvelope{Error: body})
}

func logError(ctx context.Context, logg *logger.Logger, status int, code pkgerrors.Code, message string, err error) {
	if logg == nil {
		return
	}
	switch {
	case code == pkgerrors.CodePaymentRequired:
		logg.Info(logg.WithField(ctx, "reason", message), "billing request denied")
	case status < http.StatusInternalServerError:
		logg.Warn(logg.WithFields(ctx, map[string]any{"error_code": code, "error": err.Error()}), "billing request rejected")
	default:
		logg.Error(logg.WithFields(ctx, pkgerrors.Dump(err).LogFields()), "billing request failed", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
