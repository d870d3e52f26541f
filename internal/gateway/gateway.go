// Package gateway is the only writer of the record store. Every successful
// mutation is followed by a broker publish so subscribers always see the
// state the store holds after the write.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bustrack-svr/internal/audit"
	"bustrack-svr/internal/broker"
	"bustrack-svr/internal/bus"
	"bustrack-svr/internal/observability"
	"bustrack-svr/internal/store"
)

// Broadcaster is the part of the broker the gateway drives.
type Broadcaster interface {
	Publish(ctx context.Context, ev broker.Event) error
	Snapshot(ctx context.Context) ([]bus.Record, error)
}

type Gateway struct {
	store  store.Store
	caster Broadcaster
	audit  *audit.Log
	logger *slog.Logger
}

func New(s store.Store, c Broadcaster, a *audit.Log, lg *slog.Logger) *Gateway {
	return &Gateway{
		store:  s,
		caster: c,
		audit:  a,
		logger: lg.With("component", "gateway"),
	}
}

type originKey struct{}

// WithOrigin tags ctx with the client a mutation came from, for the audit log.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func originOf(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}

// ApplyUpdate upserts rec and rebroadcasts. Validation and conflict errors
// leave the store unchanged and publish nothing.
func (g *Gateway) ApplyUpdate(ctx context.Context, rec bus.Record) (bus.Record, error) {
	const op = "update_bus"
	if err := rec.Validate(); err != nil {
		return bus.Record{}, g.done(ctx, op, rec.ID, err)
	}

	created, err := g.store.Upsert(ctx, rec)
	if err != nil {
		return bus.Record{}, g.done(ctx, op, rec.ID, fmt.Errorf("upsert bus %s: %w", rec.ID, err))
	}
	g.logger.Debug("bus upserted", "id", rec.ID, "created", created)
	return rec, g.done(ctx, op, rec.ID, g.publish(ctx, broker.EventUpdated))
}

// ApplyDelete removes id and rebroadcasts. Deleting an absent id is not an
// error and still broadcasts.
func (g *Gateway) ApplyDelete(ctx context.Context, id string) error {
	const op = "delete_bus"
	if strings.TrimSpace(id) == "" {
		return g.done(ctx, op, id, &bus.ValidationError{Field: "id", Reason: "required"})
	}

	deleted, err := g.store.Delete(ctx, id)
	if err != nil {
		return g.done(ctx, op, id, fmt.Errorf("delete bus %s: %w", id, err))
	}
	g.logger.Debug("bus deleted", "id", id, "existed", deleted)
	return g.done(ctx, op, id, g.publish(ctx, broker.EventDeleted))
}

// Create inserts a new record; an existing id is a conflict.
func (g *Gateway) Create(ctx context.Context, rec bus.Record) (bus.Record, error) {
	const op = "create"
	if err := rec.Validate(); err != nil {
		return bus.Record{}, g.done(ctx, op, rec.ID, err)
	}
	if err := g.store.Insert(ctx, rec); err != nil {
		return bus.Record{}, g.done(ctx, op, rec.ID, fmt.Errorf("insert bus %s: %w", rec.ID, err))
	}
	return rec, g.done(ctx, op, rec.ID, g.publish(ctx, broker.EventUpdated))
}

// Replace overwrites the record stored under id; rec.ID is forced to id.
func (g *Gateway) Replace(ctx context.Context, id string, rec bus.Record) (bus.Record, error) {
	const op = "replace"
	rec.ID = id
	if err := rec.Validate(); err != nil {
		return bus.Record{}, g.done(ctx, op, id, err)
	}
	if err := g.store.Replace(ctx, rec); err != nil {
		return bus.Record{}, g.done(ctx, op, id, fmt.Errorf("replace bus %s: %w", id, err))
	}
	return rec, g.done(ctx, op, id, g.publish(ctx, broker.EventUpdated))
}

// Remove deletes id, failing with *bus.NotFoundError when it is absent.
// Nothing is broadcast in that case.
func (g *Gateway) Remove(ctx context.Context, id string) error {
	const op = "remove"
	deleted, err := g.store.Delete(ctx, id)
	if err != nil {
		return g.done(ctx, op, id, fmt.Errorf("delete bus %s: %w", id, err))
	}
	if !deleted {
		return g.done(ctx, op, id, &bus.NotFoundError{ID: id})
	}
	return g.done(ctx, op, id, g.publish(ctx, broker.EventDeleted))
}

// List serves the broker's read-through view.
func (g *Gateway) List(ctx context.Context) ([]bus.Record, error) {
	return g.caster.Snapshot(ctx)
}

func (g *Gateway) Get(ctx context.Context, id string) (bus.Record, error) {
	return g.store.Get(ctx, id)
}

// Seed inserts rec when the store holds no records at all.
func (g *Gateway) Seed(ctx context.Context, rec bus.Record) (bool, error) {
	recs, err := g.store.List(ctx)
	if err != nil {
		return false, fmt.Errorf("seed: %w", err)
	}
	if len(recs) > 0 {
		return false, nil
	}
	if _, err := g.Create(ctx, rec); err != nil {
		return false, fmt.Errorf("seed: %w", err)
	}
	g.logger.Info("initial bus data seeded", "id", rec.ID)
	return true, nil
}

func (g *Gateway) publish(ctx context.Context, ev broker.Event) error {
	if err := g.caster.Publish(ctx, ev); err != nil {
		return fmt.Errorf("broadcast %s: %w", ev, err)
	}
	return nil
}

// done records the outcome of op in metrics, the audit log and, for
// unexpected failures, the error log. It returns err unchanged.
func (g *Gateway) done(ctx context.Context, op, id string, err error) error {
	result := "ok"
	if err != nil {
		result = bus.Kind(err)
	}
	observability.Mutations.WithLabelValues(op, result).Inc()

	switch result {
	case "ok", bus.KindValidation, bus.KindConflict, bus.KindNotFound:
		g.logger.Debug("mutation", "op", op, "id", id, "result", result)
	case bus.KindStoreUnavailable:
		observability.StoreErrors.WithLabelValues(op).Inc()
		g.logger.Error("mutation failed", "op", op, "id", id, "err", err)
	default:
		g.logger.Error("mutation failed", "op", op, "id", id, "err", err)
	}

	entry := audit.Entry{Op: op, ID: id, Origin: originOf(ctx), Result: result}
	if err != nil {
		entry.Detail = err.Error()
	}
	if aerr := g.audit.Record(entry); aerr != nil {
		g.logger.Warn("audit write failed", "op", op, "id", id, "err", aerr)
	}
	return err
}
