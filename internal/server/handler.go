package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hydraproject/hydra/internal/dispatch"
	"github.com/hydraproject/hydra/internal/fault"
)

// maxParamsSize bounds operation parameter bodies. Prompts are text; 4 MB
// is generous.
const maxParamsSize = 4 << 20

type handler struct {
	dispatcher *dispatch.Dispatcher
}

// errorBody is the JSON error envelope shared with the stdio surface.
type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func (h *handler) handleOp(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, maxParamsSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, fault.Validation("parameters exceed %d bytes", maxParamsSize))
			return
		}
		writeError(w, fault.Validation("failed to read request body: %v", err))
		return
	}
	defer r.Body.Close()

	logger := log.With().
		Str("request_id", requestID).
		Str("op", op).
		Logger()

	out, err := h.dispatcher.Dispatch(r.Context(), op, body)
	if err != nil {
		logger.Warn().Err(err).Str("kind", string(fault.KindOf(err))).Msg("operation failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleOps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ops": h.dispatcher.Ops()})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	out, err := h.dispatcher.Dispatch(r.Context(), "status", nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if ra := fault.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ra.Seconds())))
	}
	writeJSON(w, statusFor(kind), errorBody{
		Error:     err.Error(),
		Kind:      string(kind),
		Retryable: fault.IsRetryable(err),
	})
}

// statusFor maps the fault taxonomy to HTTP status codes.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindBackendUnavailable, fault.KindShutdown:
		return http.StatusServiceUnavailable
	case fault.KindBackendHTTP, fault.KindAllBackendsFailed:
		return http.StatusBadGateway
	case fault.KindBackendTimeout, fault.KindWaitTimeout:
		return http.StatusGatewayTimeout
	case fault.KindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
