package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"fundage/internal/model"
	"fundage/internal/service"
)

// Handler subscribes to ledger command subjects and delegates to the ledger
// service. Commands are queue-subscribed so a group of instances shares the
// load while each message reaches exactly one of them.
type Handler struct {
	svc  service.LedgerService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command subjects and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	inflow, err := h.nc.QueueSubscribe(SubjectInflow, queueGroup, func(m *nats.Msg) {
		var req model.InflowRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Error("nats: bad inflow command", "error", err)
			return
		}
		if _, _, err := h.svc.RecordInflow(ctx, req); err != nil {
			slog.Error("nats: inflow failed",
				"subject_id", req.SubjectID, "source_event_id", req.SourceEventID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, inflow)

	outflow, err := h.nc.QueueSubscribe(SubjectOutflow, queueGroup, func(m *nats.Msg) {
		var req model.OutflowRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Error("nats: bad outflow command", "error", err)
			return
		}
		if _, err := h.svc.RecordOutflow(ctx, req); err != nil {
			slog.Error("nats: outflow failed", "subject_id", req.SubjectID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, outflow)

	slog.Info("NATS command handler is running")

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
