package app

import (
	"context"
	"net/http"
	"time"

	"canteenservice/internal/checkout"
	"canteenservice/internal/config"
	"canteenservice/internal/events"
	"canteenservice/internal/httpapi"
	"canteenservice/internal/inventory"
	"canteenservice/internal/order"
	"canteenservice/internal/payment"
	"canteenservice/internal/reservation"
	"canteenservice/internal/session"
	"canteenservice/internal/settlement"
	"canteenservice/internal/sweeper"
)

// Services is the wired domain layer.
type Services struct {
	Publisher   events.Publisher
	Inventory   *inventory.Store
	Ledger      *reservation.Ledger
	Orders      *order.Machine
	Payments    *payment.Records
	Gateway     payment.Gateway
	Settlement  *settlement.Coordinator
	Checkout    *checkout.Service
	Sessions    *session.Manager
	Scheduler   *sweeper.Scheduler
	Dispatcher  httpapi.WebhookDispatcher
	Consumer    events.ConsumerService
	HTTPHandler http.Handler
}

// ServiceFactory creates business logic services with their dependencies
type ServiceFactory struct {
	c *Container
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(c *Container) *ServiceFactory {
	return &ServiceFactory{c: c}
}

// Build wires every service on top of the container's infrastructure.
func (f *ServiceFactory) Build() (*Services, error) {
	c := f.c
	cfg := c.Config()
	logger, tracer, metrics, db := c.Logger(), c.Tracer(), c.Metrics(), c.Store()

	gateway, err := payment.NewHTTPGateway(payment.GatewayConfig{
		BaseURL:   cfg.GatewayBaseURL,
		KeyID:     cfg.GatewayKeyID,
		KeySecret: cfg.GatewayKeySecret,
		Timeout:   cfg.GatewayTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &Services{Gateway: gateway}
	s.Publisher = events.NewKafkaPublisher(c.NotificationProducer(), logger)
	s.Inventory = inventory.NewStore(db, logger, tracer)
	s.Ledger = reservation.NewLedger(db, s.Inventory, logger, tracer, metrics)
	s.Orders = order.NewMachine(db, s.Publisher, logger, tracer)
	s.Payments = payment.NewRecords(db, logger)
	s.Sessions = session.NewManager(db, s.Publisher, logger, tracer)

	s.Settlement = settlement.NewCoordinator(s.Ledger, s.Orders, s.Payments, gateway, s.Publisher, settlement.Config{
		KeySecret:      cfg.GatewayKeySecret,
		WebhookSecret:  cfg.GatewayWebhookSecret,
		GatewayTimeout: cfg.GatewayTimeout,
	}, logger, tracer, metrics)

	s.Checkout = checkout.NewService(s.Inventory, s.Ledger, s.Orders, s.Payments, gateway, checkout.Config{
		Currency:       cfg.Currency,
		KeyID:          cfg.GatewayKeyID,
		GatewayTimeout: cfg.GatewayTimeout,
	}, logger, tracer, metrics)

	s.Scheduler = sweeper.NewScheduler(logger, tracer, metrics,
		sweeper.Job{Sweeper: sweeper.NewReservationSweeper(s.Ledger, s.Orders, s.Publisher, logger), Interval: config.ReservationSweepInterval},
		sweeper.Job{Sweeper: sweeper.NewPickupSweeper(s.Orders), Interval: config.PickupSweepInterval},
		sweeper.Job{Sweeper: sweeper.NewAbandonedOrderSweeper(s.Orders), Interval: config.AbandonedSweepInterval},
		sweeper.Job{Sweeper: sweeper.NewSessionHistorySweeper(s.Sessions), Interval: config.SessionSweepInterval},
	)

	if cfg.WebhookDispatch == config.DispatchInline {
		s.Dispatcher = settlement.NewInlineDispatcher(s.Settlement)
	} else {
		s.Dispatcher = events.NewGatewayForwarder(c.GatewayEventsProducer(), logger)
	}
	if consumer := c.GatewayConsumer(); consumer != nil {
		s.Consumer = events.NewGatewayEventConsumer(consumer, s.Settlement.HandleRaw, settlement.IsRetryable, logger, tracer)
	}

	s.HTTPHandler = httpapi.NewServer(httpapi.Deps{
		Checkout:   s.Checkout,
		Settlement: s.Settlement,
		Dispatcher: s.Dispatcher,
		Inventory:  s.Inventory,
		Ledger:     s.Ledger,
		Orders:     s.Orders,
		Payments:   s.Payments,
		Sessions:   s.Sessions,
		Health: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return db.Client().Ping(ctx).Err()
		},
		Logger: logger,
		Tracer: tracer,
	}).Handler()

	return s, nil
}
