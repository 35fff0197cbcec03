package app

import (
	"ticketinventory/internal/clock"
	"ticketinventory/internal/inventory"
)

// ServiceFactory creates business logic services with their dependencies
type ServiceFactory struct {
	c *Container
}

func NewServiceFactory(c *Container) *ServiceFactory {
	return &ServiceFactory{c: c}
}

func (f *ServiceFactory) CreateParticipant() *inventory.Participant {
	return inventory.NewParticipant(f.c.store, f.c.publisher, f.c.logger,
		inventory.WithRecorder(f.c.recorder),
		inventory.WithClock(clock.NewSystem()),
		inventory.WithOutcomeGrace(f.c.config.HandlerTimeout),
	)
}

func (f *ServiceFactory) CreateReconciler() *inventory.Reconciler {
	opts := []inventory.ReconcilerOption{
		inventory.WithStuckThreshold(f.c.config.StuckThreshold),
		inventory.WithRetention(f.c.config.RetentionPeriod),
		inventory.WithReconcilerClock(clock.NewSystem()),
		inventory.WithReconcilerRecorder(f.c.recorder),
	}
	if f.c.locker != nil {
		opts = append(opts, inventory.WithLocker(f.c.locker))
	}
	return inventory.NewReconciler(f.c.store, f.c.logger, opts...)
}

func (f *ServiceFactory) CreateMessageHandler(saga inventory.SagaOperations) *inventory.SagaHandler {
	return inventory.NewMessageHandler(saga, f.c.logger, f.c.config.HandlerTimeout)
}
