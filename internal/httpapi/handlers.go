package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"canteenservice/internal/checkout"
	"canteenservice/internal/config"
	"canteenservice/internal/inventory"
	"canteenservice/internal/order"
	"canteenservice/internal/reservation"
	"canteenservice/internal/session"
	"canteenservice/internal/settlement"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 200 {
		return 50
	}
	return n
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			s.Logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkoutRequest struct {
	UserID string             `json:"userId"`
	Items  []reservation.Line `json:"items"`
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	result, err := s.Checkout.Checkout(r.Context(), checkout.Request{UserID: req.UserID, Lines: req.Items})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type verifyRequest struct {
	IntentID  string `json:"intentId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

type outcomeResponse struct {
	Outcome settlement.Outcome `json:"outcome"`
}

func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.IntentID == "" || req.PaymentID == "" || req.Signature == "" {
		s.fail(w, fmt.Errorf("%w: intentId, paymentId and signature are required", errBadRequest))
		return
	}
	outcome, err := s.Settlement.VerifyAndSettle(r.Context(), req.IntentID, req.PaymentID, req.Signature)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome})
}

func (s *Server) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "unreadable body")
		return
	}
	if !s.Settlement.VerifyWebhook(body, r.Header.Get(config.SignatureHeader)) {
		s.Logger.Warn("Webhook signature rejected", zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusBadRequest, codeSignatureInvalid, "invalid webhook signature")
		return
	}
	event, err := settlement.DecodeWebhook(body)
	if err != nil {
		s.fail(w, err)
		return
	}

	ctx, span := s.Tracer.Start(r.Context(), "webhook.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.event", event.Event), attribute.String("payment.intent_id", event.IntentID()))

	s.Logger.Info("📨 Gateway webhook received", zap.String("event", event.Event), zap.String("intent_id", event.IntentID()))
	if err := s.Dispatcher.Dispatch(ctx, event.IntentID(), body); err != nil {
		span.RecordError(err)
		s.Logger.Error("❌ Failed to dispatch gateway webhook", zap.String("event", event.Event), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "webhook not accepted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) advanceOrder(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	to, ok := order.ParseStatus(req.Status)
	if !ok {
		s.fail(w, fmt.Errorf("%w: unknown status %q", errBadRequest, req.Status))
		return
	}
	o, err := s.Orders.Advance(r.Context(), r.PathValue("id"), to)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	o, err := s.Orders.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) userOrderHistory(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Orders.UserHistory(r.Context(), r.PathValue("uid"), queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) adminOrderHistory(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Orders.AdminHistory(r.Context(), queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

type loginRequest struct {
	UserID string         `json:"userId"`
	Device session.Device `json:"device"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.UserID == "" || req.Device.DeviceID == "" {
		s.fail(w, fmt.Errorf("%w: userId and device.deviceId are required", errBadRequest))
		return
	}
	if req.Device.IP == "" {
		req.Device.IP = r.RemoteAddr
	}
	result, err := s.Sessions.Login(r.Context(), req.UserID, req.Device)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type logoutRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	ended, err := s.Sessions.Logout(r.Context(), req.UserID, req.DeviceID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": ended})
}

func (s *Server) forceLogout(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	ended, err := s.Sessions.ForceLogout(r.Context(), r.PathValue("uid"), req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": ended})
}

func (s *Server) sessionHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Sessions.History(r.Context(), r.PathValue("uid"), queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listMenu(w http.ResponseWriter, r *http.Request) {
	items, err := s.Inventory.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) upsertMenuItem(w http.ResponseWriter, r *http.Request) {
	var item inventory.MenuItem
	if err := decodeJSON(w, r, &item); err != nil {
		s.fail(w, err)
		return
	}
	item.ID = r.PathValue("id")
	saved, err := s.Inventory.Upsert(r.Context(), item)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type restockRequest struct {
	Delta int `json:"delta"`
}

func (s *Server) restockMenuItem(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	item, err := s.Inventory.Restock(r.Context(), r.PathValue("id"), req.Delta)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.Ledger.Get(r.Context(), r.PathValue("intentID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.Payments.Get(r.Context(), r.PathValue("paymentID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) reconcilePayment(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.Settlement.Reconcile(r.Context(), r.PathValue("paymentID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome})
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) refundPayment(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	refundID, err := s.Settlement.Refund(r.Context(), r.PathValue("paymentID"), req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refundId": refundID})
}
