package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/stackwatch/stackwatch/pkg/rules"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
)

// ruleRequest is the management API representation of a rule.
type ruleRequest struct {
	UserID          int64           `json:"user_id"`
	Name            string          `json:"name"`
	Type            types.RuleType  `json:"type"`
	ContractID      string          `json:"contract_id,omitempty"`
	FunctionName    string          `json:"function_name,omitempty"`
	AssetID         string          `json:"asset_id,omitempty"`
	WatchedAddress  string          `json:"watched_address,omitempty"`
	AmountThreshold string          `json:"amount_threshold,omitempty"`
	Severity        types.Severity  `json:"severity"`
	CooldownSeconds int64           `json:"cooldown_s"`
	Channels        []types.Channel `json:"channels"`
	Emails          []string        `json:"emails,omitempty"`
	WebhookURL      string          `json:"webhook_url,omitempty"`
	Active          bool            `json:"active"`
	Version         int64           `json:"version,omitempty"`
}

type ruleHandler struct {
	service *rules.Service
}

func (h *ruleHandler) create(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rule, err := req.toRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.Create(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	writeJSON(w, http.StatusCreated, ruleResponse(rule))
}

func (h *ruleHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

func (h *ruleHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rule, err := req.toRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = id
	rule.Version = req.Version
	if err := h.service.Update(r.Context(), rule); err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

func (h *ruleHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ruleHandler) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var req struct {
		Active  bool  `json:"active"`
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.service.SetActive(r.Context(), id, req.Active, req.Version); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req *ruleRequest) toRule() (*types.AlertRule, error) {
	if req.Name == "" {
		return nil, errors.New("name is required")
	}
	switch req.Type {
	case types.RuleContractCall, types.RuleTokenTransfer, types.RuleFailedTransaction,
		types.RulePrintEvent, types.RuleAddressActivity:
	default:
		return nil, errors.New("unknown rule type")
	}
	if len(req.Channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	if req.Severity == "" {
		req.Severity = types.SeverityInfo
	}
	return &types.AlertRule{
		UserID:          req.UserID,
		Name:            req.Name,
		Type:            req.Type,
		ContractID:      optString(req.ContractID),
		FunctionName:    optString(req.FunctionName),
		AssetID:         optString(req.AssetID),
		WatchedAddress:  optString(req.WatchedAddress),
		AmountThreshold: optString(req.AmountThreshold),
		Severity:        req.Severity,
		CooldownSeconds: req.CooldownSeconds,
		Channels:        types.ChannelSet(req.Channels),
		Emails:          types.StringList(req.Emails),
		WebhookURL:      optString(req.WebhookURL),
		Active:          req.Active,
	}, nil
}

func ruleResponse(rule *types.AlertRule) ruleRequest {
	return ruleRequest{
		UserID:          rule.UserID,
		Name:            rule.Name,
		Type:            rule.Type,
		ContractID:      rule.ContractID.String,
		FunctionName:    rule.FunctionName.String,
		AssetID:         rule.AssetID.String,
		WatchedAddress:  rule.WatchedAddress.String,
		AmountThreshold: rule.AmountThreshold.String,
		Severity:        rule.Severity,
		CooldownSeconds: rule.CooldownSeconds,
		Channels:        []types.Channel(rule.Channels),
		Emails:          []string(rule.Emails),
		WebhookURL:      rule.WebhookURL.String,
		Active:          rule.Active,
		Version:         rule.Version,
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return 0, false
	}
	return id, true
}

func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, storage.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version conflict, re-read and retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func optString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
