package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/StefanGrimminck/Haze/internal/quota"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

const quotaUnits = "days accessed by query"

const maxAdminBody = 64 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

type createRequest struct {
	Identifier string `json:"identifier" validate:"required,max=128"`
	Quota      *int64 `json:"quota" validate:"required,gte=-1"`
	Key        string `json:"key" validate:"omitempty,max=128,alphanum"`
}

type updateRequest struct {
	Identifier string  `json:"identifier" validate:"required,max=128"`
	Quota      *int64  `json:"quota" validate:"omitempty,gte=-1"`
	Key        *string `json:"key" validate:"omitempty,max=128,alphanum"`
	Used       *int64  `json:"used" validate:"omitempty,gte=0"`
}

// apiObject is a quota record as shown to administrators.
type apiObject struct {
	Identifier string `json:"identifier"`
	Key        string `json:"key"`
	Quota      int64  `json:"quota"`
	Used       int64  `json:"used"`
}

func toAPIObject(rec quota.Record) apiObject {
	return apiObject{Identifier: rec.Identifier, Key: rec.Key, Quota: rec.Quota, Used: rec.Used}
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin := h.Admins.Authenticate(r)
		if admin == "" {
			h.Log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin request rejected")
			respondErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.Log.Info().Str("admin", admin).Str("path", r.URL.Path).Msg("admin request")
		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err != nil {
		return badParam("read body: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badParam("body must be a JSON object: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return badParam("%v", err)
	}
	return nil
}

func (h *Handler) createAPIObj(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondParamErr(w, err)
		return
	}
	rec, err := h.Ledger.Create(r.Context(), req.Identifier, *req.Quota, req.Key)
	switch {
	case err == nil:
		h.Log.Info().Str("identifier", rec.Identifier).Int64("quota", rec.Quota).Msg("api key created")
		respondJSON(w, http.StatusCreated, toAPIObject(rec))
	case errors.Is(err, quota.ErrExists):
		respondMessage(w, http.StatusConflict, "FAILURE: Already exists for identifier: %s", req.Identifier)
	default:
		h.respondLedgerErr(w, err)
	}
}

func (h *Handler) updateAPIObj(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondParamErr(w, err)
		return
	}
	rec, err := h.Ledger.Update(r.Context(), req.Identifier, quota.RecordUpdate{
		Identifier: req.Identifier,
		Key:        req.Key,
		Quota:      req.Quota,
		Used:       req.Used,
	})
	if err != nil {
		h.respondLedgerErr(w, err)
		return
	}
	h.Log.Info().Str("identifier", rec.Identifier).Int64("quota", rec.Quota).Int64("used", rec.Used).Msg("api key updated")
	respondJSON(w, http.StatusOK, toAPIObject(rec))
}

func (h *Handler) getKey(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("identifier")
	if id == "" {
		respondParamErr(w, badParam("identifier is required"))
		return
	}
	rec, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		h.respondLedgerErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"key": rec.Key})
}

func (h *Handler) respondLedgerErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrNotFound):
		respondErr(w, http.StatusNotFound, "not_found")
	case errors.Is(err, quota.ErrKeyInUse):
		respondErr(w, http.StatusConflict, "key_in_use")
	case errors.Is(err, quota.ErrExists):
		respondErr(w, http.StatusConflict, "exists")
	case errors.Is(err, quota.ErrIdentifierImmutable):
		respondErr(w, http.StatusBadRequest, "identifier_immutable")
	case errors.Is(err, quota.ErrInvalid):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": err.Error()})
	default:
		h.Log.Error().Err(err).Msg("quota ledger")
		respondErr(w, http.StatusServiceUnavailable, "quota_unavailable")
	}
}

// selfRecord loads the record for the caller's own key.
func (h *Handler) selfRecord(w http.ResponseWriter, r *http.Request) (quota.Record, bool) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}
	if key == "" {
		respondParamErr(w, badParam("key is required"))
		return quota.Record{}, false
	}
	rec, err := h.Ledger.Peek(r.Context(), key)
	if errors.Is(err, quota.ErrNotFound) {
		respondMessage(w, http.StatusForbidden, "Invalid API key.")
		return quota.Record{}, false
	}
	if err != nil {
		h.respondLedgerErr(w, err)
		return quota.Record{}, false
	}
	return rec, true
}

func (h *Handler) getQuota(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.selfRecord(w, r); ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"quota": rec.Quota, "units": quotaUnits})
	}
}

func (h *Handler) getQuotaUsed(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.selfRecord(w, r); ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"quota used": rec.Used, "units": quotaUnits})
	}
}

func (h *Handler) getQuotaRemaining(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.selfRecord(w, r); ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"quota remaining": rec.Remaining(), "units": quotaUnits})
	}
}
