package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"canteenservice/internal/checkout"
	"canteenservice/internal/inventory"
	"canteenservice/internal/order"
	"canteenservice/internal/payment"
	"canteenservice/internal/platform/redisstore"
	"canteenservice/internal/reservation"
	"canteenservice/internal/session"
	"canteenservice/internal/settlement"

	"go.uber.org/zap"
)

const (
	codeInsufficientStock = "insufficient_stock"
	codeSignatureInvalid  = "signature_invalid"
	codeGatewayTimeout    = "gateway_timeout"
	codeGatewayError      = "gateway_error"
	codeInvalidRequest    = "invalid_request"
	codeNotFound          = "not_found"
	codeInvalidTransition = "invalid_transition"
	codeUnavailable       = "unavailable"
	codeInternal          = "internal"
)

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	ItemID  string `json:"itemId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// classify maps a domain error to an HTTP status and error code.
func classify(err error) (int, string) {
	var cerr *checkout.Error
	if errors.As(err, &cerr) {
		switch cerr.Reason {
		case checkout.ReasonStockUnavailable:
			return http.StatusConflict, codeInsufficientStock
		case checkout.ReasonTimeout:
			return http.StatusGatewayTimeout, codeGatewayTimeout
		case checkout.ReasonInvalidRequest:
			return http.StatusBadRequest, codeInvalidRequest
		case checkout.ReasonPaymentError:
			if errors.Is(err, payment.ErrGatewayRejected) || errors.Is(err, payment.ErrGatewayUnavailable) {
				return http.StatusBadGateway, codeGatewayError
			}
		}
	}

	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		return http.StatusConflict, codeInsufficientStock
	case errors.Is(err, payment.ErrSignatureInvalid):
		return http.StatusUnauthorized, codeSignatureInvalid
	case errors.Is(err, payment.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, codeGatewayTimeout
	case errors.Is(err, payment.ErrGatewayUnavailable), errors.Is(err, payment.ErrGatewayRejected):
		return http.StatusBadGateway, codeGatewayError
	case errors.Is(err, errBadRequest),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, reservation.ErrEmptyCheckout),
		errors.Is(err, settlement.ErrMalformedEvent):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, payment.ErrRecordNotFound),
		errors.Is(err, inventory.ErrItemNotFound),
		errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrPaymentNotConfirmed):
		return http.StatusConflict, codeInvalidTransition
	case errors.Is(err, redisstore.ErrUnavailable), errors.Is(err, redisstore.ErrConflict):
		return http.StatusServiceUnavailable, codeUnavailable
	}
	return http.StatusInternalServerError, codeInternal
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	resp := errorResponse{Error: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		s.Logger.Error("❌ Request failed", zap.Error(err))
		resp.Message = "internal error"
	}
	var cerr *checkout.Error
	if errors.As(err, &cerr) {
		resp.ItemID = cerr.ItemID
	}
	var stock *inventory.InsufficientStockError
	if resp.ItemID == "" && errors.As(err, &stock) {
		resp.ItemID = stock.ItemID
	}
	writeJSON(w, status, resp)
}
