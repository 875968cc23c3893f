package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"fundage/internal/model"
)

// Subjects the ledger publishes and consumes.
const (
	SubjectInflow       = "ledger.inflow"
	SubjectOutflow      = "ledger.outflow"
	SubjectLinksCreated = "ledger.links.created"

	queueGroup = "ledger_group"
)

// Bus publishes ledger events. Implements service.Publisher.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) PublishLinksCreated(_ context.Context, event model.LinksCreatedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal links created event: %w", err)
	}
	return b.nc.Publish(SubjectLinksCreated, data)
}
