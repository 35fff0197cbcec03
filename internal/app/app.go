package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
}

// NewApplication creates and fully initializes a new Application instance
func NewApplication(ctx context.Context) (*Application, error) {
	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	container, err := NewContainer(appCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	app := &Application{ctx: appCtx, cancel: cancel, container: container}
	app.container.Logger().Info("Application initialized successfully")
	return app, nil
}

// Run starts every runner and blocks until the context is cancelled or one
// of them fails.
func (app *Application) Run() error {
	g, ctx := errgroup.WithContext(app.ctx)
	for _, r := range app.container.runners {
		r := r
		g.Go(func() error {
			app.container.Logger().Info("Starting component", zap.String("component", r.name))
			if err := r.start(ctx); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	if app.container != nil {
		app.container.Logger().Info("Starting application shutdown...")
	}

	if app.cancel != nil {
		app.cancel()
	}

	if app.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.container.Shutdown(ctx)
	}
}
