// Package httpapi exposes checkout, settlement, orders, sessions and the
// admin surface over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"canteenservice/internal/checkout"
	"canteenservice/internal/inventory"
	"canteenservice/internal/order"
	"canteenservice/internal/payment"
	"canteenservice/internal/platform/observability"
	"canteenservice/internal/reservation"
	"canteenservice/internal/session"
	"canteenservice/internal/settlement"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// WebhookDispatcher hands a verified webhook body to settlement, either
// through Kafka or on the request path.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, key string, body []byte) error
}

type Deps struct {
	Checkout   *checkout.Service
	Settlement *settlement.Coordinator
	Dispatcher WebhookDispatcher
	Inventory  *inventory.Store
	Ledger     *reservation.Ledger
	Orders     *order.Machine
	Payments   *payment.Records
	Sessions   *session.Manager
	// Health reports whether the backing store is reachable. Optional.
	Health func(ctx context.Context) error
	Logger observability.Logger
	Tracer observability.Tracer
}

type Server struct {
	Deps
}

func NewServer(deps Deps) *Server {
	return &Server{Deps: deps}
}

// Handler returns the instrumented route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	handleFunc := func(pattern string, handlerFunc func(http.ResponseWriter, *http.Request)) {
		handler := otelhttp.WithRouteTag(pattern, http.HandlerFunc(handlerFunc))
		mux.Handle(pattern, handler)
	}

	s.registerHandlers(handleFunc)

	var handler http.Handler = mux
	handler = securityHeaders(handler)
	handler = s.requestLogging(handler)
	handler = s.recoverPanics(handler)
	return otelhttp.NewHandler(handler, "http-server",
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)
}

func (s *Server) registerHandlers(handleFunc func(pattern string, handlerFunc func(http.ResponseWriter, *http.Request))) {
	handleFunc("GET /healthz", s.healthz)

	handleFunc("POST /checkout", s.checkout)
	handleFunc("POST /payments/verify", s.verifyPayment)
	handleFunc("POST /webhooks/gateway", s.gatewayWebhook)

	handleFunc("GET /orders/{id}", s.getOrder)
	handleFunc("POST /orders/{id}/status", s.advanceOrder)
	handleFunc("POST /orders/{id}/cancel", s.cancelOrder)
	handleFunc("GET /users/{uid}/orders/history", s.userOrderHistory)

	handleFunc("POST /sessions/login", s.login)
	handleFunc("POST /sessions/logout", s.logout)
	handleFunc("GET /users/{uid}/sessions/history", s.sessionHistory)

	handleFunc("GET /admin/menu", s.listMenu)
	handleFunc("PUT /admin/menu/{id}", s.upsertMenuItem)
	handleFunc("POST /admin/menu/{id}/restock", s.restockMenuItem)
	handleFunc("GET /admin/reservations/{intentID}", s.getReservation)
	handleFunc("GET /admin/payments/{paymentID}", s.getPayment)
	handleFunc("POST /admin/payments/{paymentID}/reconcile", s.reconcilePayment)
	handleFunc("POST /admin/payments/{paymentID}/refund", s.refundPayment)
	handleFunc("GET /admin/orders/history", s.adminOrderHistory)
	handleFunc("POST /admin/sessions/{uid}/logout", s.forceLogout)
}
