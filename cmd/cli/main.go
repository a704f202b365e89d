// Command cli is the operator tool: it seeds the menu, runs a single sweep
// pass and re-runs settlement for a payment record.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"canteenservice/internal/app"
	"canteenservice/internal/inventory"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const usage = `usage: cli <command> [flags]

commands:
  seed -file menu.yaml       upsert menu items from a YAML list
  sweep -name <sweep>        run one pass of reservations|pickups|abandoned|sessions
  reconcile -payment <id>    re-run settlement from a stored payment record
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		stdlog.Fatalf("cli: %v", err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var command func(ctx context.Context, s *app.Services, logger *zap.Logger) error
	switch args[0] {
	case "seed":
		fs := flag.NewFlagSet("seed", flag.ContinueOnError)
		file := fs.String("file", "menu.yaml", "YAML file with a list of menu items")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		command = func(ctx context.Context, s *app.Services, logger *zap.Logger) error {
			return seed(ctx, s.Inventory, *file, logger)
		}
	case "sweep":
		fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
		name := fs.String("name", "", "sweep to run")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		command = func(ctx context.Context, s *app.Services, logger *zap.Logger) error {
			n, err := s.Scheduler.RunOnce(ctx, *name)
			if err != nil {
				return err
			}
			logger.Info("Sweep complete", zap.String("sweep", *name), zap.Int("processed", n))
			return nil
		}
	case "reconcile":
		fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
		paymentID := fs.String("payment", "", "payment id to reconcile")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *paymentID == "" {
			return errors.New("reconcile: -payment is required")
		}
		command = func(ctx context.Context, s *app.Services, logger *zap.Logger) error {
			outcome, err := s.Settlement.Reconcile(ctx, *paymentID)
			if err != nil {
				return err
			}
			logger.Info("Reconciled payment", zap.String("payment_id", *paymentID), zap.String("outcome", string(outcome)))
			return nil
		}
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}

	container, err := app.NewContainer(ctx, app.WithoutConsumer())
	if err != nil {
		return err
	}
	defer container.Shutdown(context.Background())

	services, err := app.NewServiceFactory(container).Build()
	if err != nil {
		return err
	}

	logger := container.Logger().With(zap.String("command", args[0]))
	return command(ctx, services, logger)
}

func seed(ctx context.Context, store *inventory.Store, path string, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading menu file: %w", err)
	}
	items, err := parseMenu(data)
	if err != nil {
		return err
	}
	for _, item := range items {
		saved, err := store.Upsert(ctx, item)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", item.ID, err)
		}
		logger.Info("Seeded menu item", zap.String("item_id", saved.ID), zap.Int("available", saved.AvailableQuantity))
	}
	logger.Info("✅ Menu seeded", zap.Int("items", len(items)))
	return nil
}

func parseMenu(data []byte) ([]inventory.MenuItem, error) {
	var items []inventory.MenuItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing menu file: %w", err)
	}
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("menu item %d has no id", i)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("menu item %s is listed twice", item.ID)
		}
		seen[item.ID] = true
	}
	return items, nil
}
