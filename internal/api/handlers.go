package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"lossguard/internal/audit"
	"lossguard/internal/correlator"
	"lossguard/internal/models"
	"lossguard/internal/orchestrator"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 将哨兵错误映射为状态码：畸形 400，不存在 404，审计不可用 503。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrMalformedEvent):
		code = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, correlator.ErrAlertNotFound):
		code = http.StatusNotFound
	case errors.Is(err, audit.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		s.log.Errorf(r.Context(), "[api] %s %s: %v", r.Method, r.URL.Path, err)
	} else {
		s.log.Debugf(r.Context(), "[api] %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *Server) handlePosEvent(w http.ResponseWriter, r *http.Request) {
	s.handleEvent(w, r, models.EventPOS)
}

func (s *Server) handleCameraEvent(w http.ResponseWriter, r *http.Request) {
	s.handleEvent(w, r, models.EventCamera)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, kind models.EventType) {
	var ev models.Event
	if err := decode(r, &ev); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	post := s.svc.PostPosEvent
	if kind == models.EventCamera {
		post = s.svc.PostCameraEvent
	}
	res, err := post(r.Context(), ev)
	if err != nil && res.Alert == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// 告警已记录，但随之提交的 Action 未能落审计
		s.log.Warnf(r.Context(), "[api] event %s accepted without action: %v", ev.EventID, err)
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var a models.Action
	if err := decode(r, &a); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	if a.Type == "" {
		badRequest(w, "type required")
		return
	}
	res, err := s.svc.SubmitAction(r.Context(), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ConfirmRequest POST /v1/confirmations/{id} 请求体；也可用 ?approve=true|false。
type ConfirmRequest struct {
	Approve *bool  `json:"approve"`
	By      string `json:"by,omitempty"`
}

// ConfirmResponse 结算后的 Action 状态。
type ConfirmResponse struct {
	ConfirmationID string              `json:"confirmation_id"`
	Status         models.ActionStatus `json:"status"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var approve bool
	by := r.URL.Query().Get("by")
	if q := r.URL.Query().Get("approve"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			badRequest(w, "approve must be true or false")
			return
		}
		approve = v
	} else {
		var req ConfirmRequest
		if err := decode(r, &req); err != nil || req.Approve == nil {
			badRequest(w, "approve required")
			return
		}
		approve = *req.Approve
		if req.By != "" {
			by = req.By
		}
	}
	status, err := s.svc.Confirm(r.Context(), id, approve, by)
	if err != nil && (status == "" || status == models.StatusAwaitingConfirm) {
		s.writeError(w, r, err)
		return
	}
	// 已终态时 err 可能为执行结果未落审计，状态仍以结算结果为准
	writeJSON(w, http.StatusOK, ConfirmResponse{ConfirmationID: id, Status: status})
}

func (s *Server) handleGetConfirmation(w http.ResponseWriter, r *http.Request) {
	pc, err := s.svc.GetConfirmation(r.Context(), chi.URLParam(r, "id"))
	if err != nil && pc == nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

func (s *Server) handleListConfirmations(w http.ResponseWriter, r *http.Request) {
	list := s.svc.PendingConfirmations()
	if list == nil {
		list = []*models.PendingConfirmation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleOpenAlerts(w http.ResponseWriter, r *http.Request) {
	list := s.svc.GetOpenAlerts(r.URL.Query().Get("till_id"))
	if list == nil {
		list = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.AlertStats())
}

// ResolveRequest POST /v1/alerts/{id}/resolve 请求体，可为空。
type ResolveRequest struct {
	By string `json:"by"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			badRequest(w, "invalid json: "+err.Error())
			return
		}
	}
	a, err := s.svc.ResolveAlert(r.Context(), chi.URLParam(r, "id"), req.By)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAuditSince(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if q := r.URL.Query().Get("since"); q != "" {
		v, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			badRequest(w, "since must be a non-negative integer")
			return
		}
		since = v
	}
	recs, err := s.svc.GetAuditSince(r.Context(), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.VerifyAuditChain(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
