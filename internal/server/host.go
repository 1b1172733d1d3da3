package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/LeJamon/goOPRd/internal/auth"
	"github.com/LeJamon/goOPRd/internal/core/feed"
	"github.com/LeJamon/goOPRd/internal/core/model"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/core/wire"
	"github.com/LeJamon/goOPRd/internal/logging"
)

// maxRequestBytes bounds a request body.
const maxRequestBytes = 8 << 20

// Host is one organization served by this node.
type Host struct {
	// Name is the URL path segment the host is mounted under.
	Name string
	// Model serves the host's offer operations.
	Model *model.Model
	// Verifier checks inbound bearer tokens.
	Verifier *auth.Verifier
	// Ingestor backs the operational ingest endpoint. Optional.
	Ingestor *feed.Ingestor
	// Descriptor is served as the host's org.json.
	Descriptor auth.Descriptor
	// Keys is served as the host's jwks.json.
	Keys auth.JWKS

	logger logging.Logger
}

// handler is an authenticated API handler. callerOrgURL is the verified
// organization of the bearer token.
type handler func(w http.ResponseWriter, r *http.Request, callerOrgURL string)

// authenticated wraps h with method and bearer-token checks.
func (h *Host) authenticated(next handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeStatusError(w, status.New(status.CodeNotAuthorized, "request carries no bearer token"))
			return
		}
		caller, err := h.Verifier.VerifyBearer(r.Context(), token, h.Model.HostOrgURL())
		if err != nil {
			h.logger.Warn("host %s rejected a caller: %v", h.Name, err)
			writeStatusError(w, err)
			return
		}
		next(w, r, caller)
	}
}

// decodeBody reads the JSON request body into v. An empty body decodes
// to the zero value.
func decodeBody(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return status.Wrap(status.CodeBadRequest, "reading request body", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Wrap(status.CodeBadRequest, "request body does not parse", err)
	}
	return nil
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeStatusError(w, status.Newf(status.CodeBadRequest, "%s is not supported here", r.Method))
		return false
	}
	return true
}

func (h *Host) handleOrgJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeStatusError(w, status.Newf(status.CodeBadRequest, "%s is not supported here", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Descriptor)
}

func (h *Host) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeStatusError(w, status.Newf(status.CodeBadRequest, "%s is not supported here", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Keys)
}

func (h *Host) handleList(w http.ResponseWriter, r *http.Request, caller string) {
	if !requirePost(w, r) {
		return
	}
	var payload wire.ListOffersPayload
	if err := decodeBody(r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	resp, err := h.Model.List(r.Context(), caller, payload)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Host) handleAccept(w http.ResponseWriter, r *http.Request, caller string) {
	if !requirePost(w, r) {
		return
	}
	var payload wire.AcceptOfferPayload
	if err := decodeBody(r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	resp, err := h.Model.Accept(r.Context(), caller, payload)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Host) handleReject(w http.ResponseWriter, r *http.Request, caller string) {
	if !requirePost(w, r) {
		return
	}
	var payload wire.RejectOfferPayload
	if err := decodeBody(r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	resp, err := h.Model.Reject(r.Context(), caller, payload)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Host) handleReserve(w http.ResponseWriter, r *http.Request, caller string) {
	if !requirePost(w, r) {
		return
	}
	var payload wire.ReserveOfferPayload
	if err := decodeBody(r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	resp, err := h.Model.Reserve(r.Context(), caller, payload)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Host) handleHistory(w http.ResponseWriter, r *http.Request, caller string) {
	if !requirePost(w, r) {
		return
	}
	var payload wire.HistoryPayload
	if err := decodeBody(r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	resp, err := h.Model.History(r.Context(), caller, payload)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIngest triggers one ingest round for every producer of the host.
// Only the host organization itself may call it.
func (h *Host) handleIngest(w http.ResponseWriter, r *http.Request, caller string) {
	if !requirePost(w, r) {
		return
	}
	if caller != h.Model.HostOrgURL() {
		writeStatusError(w, status.Newf(status.CodeNotAuthorized,
			"%s cannot trigger ingestion on %s", caller, h.Model.HostOrgURL()))
		return
	}
	if h.Ingestor == nil {
		writeStatusError(w, status.New(status.CodeBadRequest, "host has no producers"))
		return
	}
	if err := h.Ingestor.RunAll(r.Context()); err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
