// Package handlers implements the rx desk HTTP API on top of the services.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/domain"
)

// maxBodyBytes bounds request bodies. Catalog imports are the largest payload.
const maxBodyBytes = 4 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Missing []string `json:"missing,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

// StatusOf maps an error kind onto an HTTP status.
func StatusOf(k domain.Kind) int {
	switch k {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidTransition, domain.KindNotEditable, domain.KindAlreadyDecided, domain.KindInsufficientStock:
		return http.StatusConflict
	case domain.KindStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err by kind. Store and internal failures hide their
// cause from the client and are logged instead.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := domain.KindOf(err)
	status := StatusOf(kind)
	resp := ErrorResponse{Error: err.Error(), Code: string(kind)}

	var stock *domain.StockError
	if errors.As(err, &stock) {
		resp.Missing = stock.Missing
	}
	var invalid *domain.ValidationError
	if errors.As(err, &invalid) {
		resp.Fields = invalid.Fields
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("code", resp.Code), zap.Error(err))
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Validation("request body is required")
		}
		return domain.Validation(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be omitted. An empty
// body, sized or chunked, leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.Validation(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// principal returns the caller. Routes are mounted behind Authenticate, so
// a missing principal yields a zero value that every role guard refuses.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
