package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stackwatch/stackwatch/pkg/ingest"
	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/metrics"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
)

// maxBodyBytes bounds an inbound payload. Indexer payloads are large but
// not unbounded.
const maxBodyBytes = 8 << 20

// Handler is the webhook intake endpoint. Per request: buffer the body,
// archive it unconditionally, run the authenticity checks, and hand the
// archived row to the ingestion workers. The 200 response means
// "archived and accepted", not "ingested".
type Handler struct {
	store    *storage.Store
	verifier *Verifier
	worker   *ingest.Worker
	logger   zerolog.Logger
}

// NewHandler creates the intake handler.
func NewHandler(store *storage.Store, verifier *Verifier, worker *ingest.Worker) *Handler {
	return &Handler{
		store:    store,
		verifier: verifier,
		worker:   worker,
		logger:   log.WithComponent("webhook"),
	}
}

// ServeHTTP implements the intake flow.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.NewString()
	reqLog := log.WithRequestID(requestID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read body"})
		return
	}

	headers, _ := json.Marshal(r.Header)
	raw := &types.RawWebhookEvent{
		RequestID:  requestID,
		ReceivedAt: time.Now().UTC(),
		Headers:    headers,
		Payload:    body,
		SourceAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	// Archival precedes the authenticity decision and cannot be undone by
	// downstream failures.
	if err := h.store.ArchiveRawEvent(ctx, raw); err != nil {
		reqLog.Error().Err(err).Msg("failed to archive webhook")
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	verr := h.verifier.Verify(ctx,
		r.Header.Get(HeaderSignature),
		r.Header.Get(HeaderTimestamp),
		r.Header.Get(HeaderNonce),
		body)
	if verr != nil {
		h.reject(ctx, w, reqLog, raw.ID, verr)
		return
	}

	if !h.worker.Enqueue(raw.ID) {
		reqLog.Warn().Int64("raw_id", raw.ID).Msg("webhook accepted but queued for replay")
	}
	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "request_id": requestID})
}

// reject maps a verification failure to its response code and marks the
// archived row. Authenticity failures are terminal; infrastructure
// failures leave the row replayable.
func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, reqLog zerolog.Logger, rawID int64, verr error) {
	switch {
	case errors.Is(verr, ErrMalformedTimestamp):
		h.markRejected(ctx, reqLog, rawID, verr)
		metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed timestamp"})

	case errors.Is(verr, ErrMissingSignature),
		errors.Is(verr, ErrStaleTimestamp),
		errors.Is(verr, ErrMissingNonce),
		errors.Is(verr, ErrNonceReplay),
		errors.Is(verr, ErrBadSignature):
		h.markRejected(ctx, reqLog, rawID, verr)
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		reqLog.Warn().Str("reason", verr.Error()).Msg("webhook rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})

	default:
		// Store failure during verification: no authenticity verdict was
		// reached, so keep the row replayable.
		if err := h.store.MarkRawFailed(ctx, rawID, verr.Error(), ""); err != nil {
			reqLog.Error().Err(err).Msg("failed to mark raw event failed")
		}
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		reqLog.Error().Err(verr).Msg("webhook verification error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) markRejected(ctx context.Context, reqLog zerolog.Logger, rawID int64, verr error) {
	if err := h.store.MarkRawRejected(ctx, rawID, verr.Error()); err != nil {
		reqLog.Error().Err(err).Msg("failed to mark raw event rejected")
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
