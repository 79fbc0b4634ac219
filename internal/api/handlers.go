package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/engine"
	"quickcommerce/internal/identity"
	"quickcommerce/internal/store"
)

const maxRequestBytes = 64 * 1024

// RegisterRoutes registers all REST routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/orders", s.authed(s.handleListOrders))
	mux.Handle("GET /api/orders/{id}", s.authed(s.handleGetOrder))
	mux.Handle("POST /api/orders/{id}/claim", s.authed(s.handleClaim))
	mux.Handle("PATCH /api/orders/{id}/status", s.authed(s.handleStatus))
	mux.Handle("POST /api/orders/{id}/confirm-delivery", s.authed(s.handleConfirmDelivery))
	mux.Handle("POST /api/orders/{id}/confirm-receipt", s.authed(s.handleConfirmReceipt))
	mux.Handle("POST /api/orders/{id}/cancel", s.authed(s.handleCancel))
	mux.Handle("POST /api/orders/{id}/announce", s.authed(s.handleAnnounce))
	mux.Handle("POST /api/orders/{id}/restock", s.authed(s.handleRestock))
	mux.Handle("POST /api/orders/{id}/reassign", s.authed(s.handleReassign))
	mux.Handle("GET /api/partners/me", s.authed(s.handleMe))
	mux.Handle("PATCH /api/partners/me/availability", s.authed(s.handleAvailability))
	mux.Handle("PATCH /api/partners/{id}/verification", s.authed(s.handleVerification))
	mux.Handle("GET /api/partners/{id}/positions", s.authed(s.handlePositions))
	mux.Handle("GET /api/online", s.authed(s.handleOnline))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, id domain.Identity)

func (s *Server) authed(h authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authenticate(r.Context(), identity.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		h(w, r, id)
	})
}

// ---------------------------------------------------------------------------
// Operations shared by REST and WebSocket
// ---------------------------------------------------------------------------

func (s *Server) claim(ctx context.Context, orderID string, id domain.Identity) (engine.ClaimOutcome, error) {
	out, err := s.engine.ClaimOrder(ctx, orderID, id)
	s.metrics.observeClaim(out.Won, out.Reason, err)
	return out, err
}

func (s *Server) transition(ctx context.Context, orderID string, id domain.Identity, target domain.OrderStatus, note string) (*domain.Order, error) {
	o, err := s.engine.Transition(ctx, orderID, id, target, note)
	if err == nil {
		s.metrics.observeTransition(o.Status)
	}
	return o, err
}

func (s *Server) confirmDelivery(ctx context.Context, orderID string, id domain.Identity, code string) (*domain.Order, error) {
	o, err := s.engine.ConfirmDelivery(ctx, orderID, id, code)
	if err == nil {
		s.metrics.observeTransition(o.Status)
	}
	return o, err
}

type cancelResult struct {
	Order   *domain.Order        `json:"order"`
	Restock engine.RestockReport `json:"restock"`
}

func (s *Server) cancel(ctx context.Context, orderID string, id domain.Identity, reason string) (cancelResult, error) {
	o, report, err := s.engine.Cancel(ctx, orderID, id, reason)
	if err != nil {
		return cancelResult{}, err
	}
	s.metrics.observeTransition(o.Status)
	return cancelResult{Order: o, Restock: report}, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	q := r.URL.Query()
	filter := store.OrderFilter{Status: domain.OrderStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, apperr.Validation(apperr.ReasonInvalidField, "unknown status "+string(filter.Status)))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperr.Validation(apperr.ReasonInvalidField, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	orders, err := s.engine.ListOrders(r.Context(), id, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	o, err := s.engine.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleClaim answers 200 for both won and lost claims; the outcome body
// carries the reason.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	out, err := s.claim(r.Context(), r.PathValue("id"), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body struct {
		Status domain.OrderStatus `json:"status"`
		Note   string             `json:"note"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Status == "" {
		writeError(w, apperr.Validation(apperr.ReasonMissingField, "status is required"))
		return
	}
	o, err := s.transition(r.Context(), r.PathValue("id"), id, body.Status, body.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body struct {
		Code string `json:"code"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.confirmDelivery(r.Context(), r.PathValue("id"), id, body.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body struct {
		Signature string `json:"signature"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.engine.AcknowledgeReceipt(r.Context(), r.PathValue("id"), id, body.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.cancel(r.Context(), r.PathValue("id"), id, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	o, err := s.engine.Announce(r.Context(), r.PathValue("id"), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRestock(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	report, err := s.engine.Restock(r.Context(), r.PathValue("id"), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body struct {
		PartnerID string `json:"partnerId"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.engine.Reassign(r.Context(), r.PathValue("id"), id, body.PartnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ---------------------------------------------------------------------------
// Partners
// ---------------------------------------------------------------------------

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if id.Role != domain.RolePartner {
		writeError(w, apperr.Authorization(apperr.ReasonRoleMismatch, "requires role delivery"))
		return
	}
	p, err := s.engine.GetPartner(r.Context(), id.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body struct {
		Available *bool `json:"available"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Available == nil {
		writeError(w, apperr.Validation(apperr.ReasonMissingField, "available is required"))
		return
	}
	p, err := s.engine.SetAvailability(r.Context(), id, *body.Available)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	var body struct {
		Verified *bool `json:"verified"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Verified == nil {
		writeError(w, apperr.Validation(apperr.ReasonMissingField, "verified is required"))
		return
	}
	p, err := s.engine.VerifyPartner(r.Context(), id, r.PathValue("id"), *body.Verified)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePositions reads archived positions. from and to are RFC 3339 and
// default to the last 24 hours.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if id.Role != domain.RoleAdmin {
		writeError(w, apperr.Authorization(apperr.ReasonRoleMismatch, "requires role admin"))
		return
	}
	if s.archive == nil {
		writeError(w, apperr.NotFound(apperr.ReasonInvalidField, "position archive is disabled"))
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, apperr.Validation(apperr.ReasonInvalidField, "from must be RFC 3339"))
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, apperr.Validation(apperr.ReasonInvalidField, "to must be RFC 3339"))
			return
		}
	}
	records, err := s.archive.Read(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		writeError(w, apperr.Transient(apperr.ReasonStoreUnavailable, "reading position archive", err))
		return
	}
	if records == nil {
		records = []store.PositionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request, id domain.Identity) {
	if id.Role != domain.RoleAdmin {
		writeError(w, apperr.Authorization(apperr.ReasonRoleMismatch, "requires role admin"))
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Online())
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// readJSON decodes the request body into v. An empty body leaves v as is.
func readJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation(apperr.ReasonInvalidField, "request body too large")
		}
		return apperr.Validation(apperr.ReasonInvalidField, "invalid JSON body: "+strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), errorEnvelope{Error: toErrorBody(err)})
}
