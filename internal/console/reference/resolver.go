// Package reference resolves the display labels of records referenced from
// list rows, such as the merchant name behind a transaction's merchant_id.
package reference

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/blowfish/enigma/internal/console/dataprovider"
	"github.com/blowfish/enigma/internal/console/eventbus"
	"github.com/blowfish/enigma/internal/console/resources"
)

const (
	DefaultSize = 256
	DefaultTTL  = time.Minute
)

// ManyGetter is the slice of DataProvider the resolver needs.
type ManyGetter interface {
	GetMany(ctx context.Context, resource string, params dataprovider.GetManyParams) ([]dataprovider.Record, error)
}

// Resolver caches referenced records and evicts them when the bus reports a
// change.
type Resolver struct {
	provider ManyGetter
	cache    *expirable.LRU[string, dataprovider.Record]
	logger   *slog.Logger
	regs     []*eventbus.Registration
}

// New builds a Resolver and subscribes it to bus. Non-positive size or ttl
// fall back to the defaults.
func New(provider ManyGetter, bus *eventbus.Bus, size int, ttl time.Duration, logger *slog.Logger) *Resolver {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		provider: provider,
		cache:    expirable.NewLRU[string, dataprovider.Record](size, nil, ttl),
		logger:   logger,
	}
	if bus != nil {
		r.regs = append(r.regs,
			bus.Register(eventbus.EventRecordUpdated, r.onRecordChange),
			bus.Register(eventbus.EventRecordDeleted, r.onRecordChange),
			bus.Register(eventbus.EventTransactionReversed, r.onTransactionReversed),
		)
	}
	return r
}

func key(resource, id string) string {
	return resource + "/" + id
}

// Prefetch loads every record referenced by rows that is not cached yet, with
// one GetMany per referenced resource.
func (r *Resolver) Prefetch(ctx context.Context, def resources.Definition, rows []dataprovider.Record) error {
	wanted := make(map[string]map[string]struct{})
	for _, ref := range def.References {
		for _, row := range rows {
			id := resources.Value(row, ref.Field)
			if id == "" {
				continue
			}
			if _, ok := r.cache.Get(key(ref.Resource, id)); ok {
				continue
			}
			if wanted[ref.Resource] == nil {
				wanted[ref.Resource] = make(map[string]struct{})
			}
			wanted[ref.Resource][id] = struct{}{}
		}
	}

	targets := make([]string, 0, len(wanted))
	for resource := range wanted {
		targets = append(targets, resource)
	}
	sort.Strings(targets)

	for _, resource := range targets {
		ids := make([]string, 0, len(wanted[resource]))
		for id := range wanted[resource] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		recs, err := r.provider.GetMany(ctx, resource, dataprovider.GetManyParams{IDs: ids})
		if err != nil {
			return fmt.Errorf("reference: resolve %s: %w", resource, err)
		}
		for _, rec := range recs {
			if id := rec.ID(); id != "" {
				r.cache.Add(key(resource, id), rec)
			}
		}
		r.logger.Debug("references resolved", "resource", resource, "requested", len(ids), "found", len(recs))
	}
	return nil
}

// Label returns the label of the referenced record, or id when it is unknown.
func (r *Resolver) Label(ref resources.Reference, id string) string {
	rec, ok := r.cache.Get(key(ref.Resource, id))
	if !ok {
		return id
	}
	if label := resources.Value(rec, ref.Label); label != "" {
		return label
	}
	return id
}

// Invalidate forgets the cached record resource/id.
func (r *Resolver) Invalidate(resource, id string) {
	r.cache.Remove(key(resource, id))
}

// Len reports how many records are cached.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Close unsubscribes from the bus.
func (r *Resolver) Close() {
	for _, reg := range r.regs {
		reg.Unregister()
	}
	r.regs = nil
}

func (r *Resolver) onRecordChange(payload any) {
	change, ok := payload.(eventbus.RecordChange)
	if !ok {
		return
	}
	for _, id := range change.IDs {
		r.Invalidate(change.Resource, id)
	}
}

func (r *Resolver) onTransactionReversed(payload any) {
	if ev, ok := payload.(eventbus.TransactionReversed); ok {
		r.Invalidate("transactions", ev.ID)
	}
}
