package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/domain/claim"
	"github.com/clearhealth/claimsync/internal/domain/reimbursement"
	"github.com/clearhealth/claimsync/internal/gateway"
	"github.com/clearhealth/claimsync/internal/observability/metrics"
	"github.com/clearhealth/claimsync/internal/store"
)

// ErrSuperseded is returned when a newer fetch for the same resource kind
// cancelled this one. The superseded fetch merged nothing.
var ErrSuperseded = errors.New("fetch superseded by newer request")

// Fetcher pulls entity collections from the gateway and merges them into the
// store through the merge guard. At most one fetch per resource kind is in
// flight: a new request for the same kind cancels the prior one, and a
// cancelled fetch's result is never merged.
type Fetcher struct {
	gw      gateway.Gateway
	st      *store.Store
	guard   *Guard
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	inflight map[string]*fetchToken
}

// fetchToken identifies one in-flight fetch for a kind.
type fetchToken struct {
	cancel context.CancelFunc
}

// NewFetcher creates a fetcher. The metrics may be nil.
func NewFetcher(gw gateway.Gateway, st *store.Store, guard *Guard, m *metrics.Metrics, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		gw:       gw,
		st:       st,
		guard:    guard,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("fetcher"),
		inflight: make(map[string]*fetchToken),
	}
}

func (f *Fetcher) superseded() (int, int, error) {
	if f.metrics != nil {
		f.metrics.FetchesSuperseded.Inc()
	}
	return 0, 0, ErrSuperseded
}

// Fetch retrieves one collection, following pagination continuations, and
// merges the guard-filtered result. It returns how many entities were merged
// and how many the guard held back.
func (f *Fetcher) Fetch(ctx context.Context, kind string, params url.Values) (merged, blocked int, err error) {
	ctx, cancel := context.WithCancel(ctx)
	token := &fetchToken{cancel: cancel}
	f.supersede(kind, token)
	defer f.finish(kind, token)

	ctx, span := f.tracer.Start(ctx, "fetch_collection",
		trace.WithAttributes(attribute.String("kind", kind)))
	defer span.End()

	var items []json.RawMessage
	page, err := f.gw.FetchCollection(ctx, kind, params)
	for {
		if err != nil {
			if ctx.Err() != nil {
				return f.superseded()
			}
			span.RecordError(err)
			return 0, 0, fmt.Errorf("fetch %s: %w", kind, err)
		}
		items = append(items, page.Items...)
		if page.NextURL == "" {
			break
		}
		page, err = f.gw.FetchByURL(ctx, page.NextURL)
	}

	// The merge decision and the merge itself happen only after the full
	// result is in hand; a fetch cancelled mid-flight merges nothing.
	if ctx.Err() != nil {
		return f.superseded()
	}

	merged, blocked, err = f.apply(kind, items)
	if err != nil {
		span.RecordError(err)
		return 0, 0, err
	}

	span.SetAttributes(attribute.Int("merged", merged), attribute.Int("blocked", blocked))
	f.logger.Info("collection fetched",
		zap.String("kind", kind),
		zap.Int("merged", merged),
		zap.Int("blocked", blocked))
	return merged, blocked, nil
}

// supersede cancels any in-flight fetch for the kind and registers ours.
func (f *Fetcher) supersede(kind string, token *fetchToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prior, ok := f.inflight[kind]; ok {
		prior.cancel()
		f.logger.Debug("superseded in-flight fetch", zap.String("kind", kind))
	}
	f.inflight[kind] = token
}

// finish releases the in-flight slot if it still belongs to this fetch.
func (f *Fetcher) finish(kind string, token *fetchToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token.cancel()
	if f.inflight[kind] == token {
		delete(f.inflight, kind)
	}
}

// apply decodes the items for the kind, drops everything the guard blocks
// and merges the rest into the store.
func (f *Fetcher) apply(kind string, items []json.RawMessage) (merged, blocked int, err error) {
	switch kind {
	case store.KindEncounter:
		in, err := decodeBatch[claim.Encounter](items, func(e *claim.Encounter) string { return e.ID })
		if err != nil {
			return 0, 0, err
		}
		safe := Reconcile(f.guard, kind, in)
		f.st.MergeEncounters(safe)
		return len(safe), len(in) - len(safe), nil
	case store.KindMember:
		in, err := decodeBatch[claim.Member](items, func(m *claim.Member) string { return m.ID })
		if err != nil {
			return 0, 0, err
		}
		safe := Reconcile(f.guard, kind, in)
		f.st.MergeMembers(safe)
		return len(safe), len(in) - len(safe), nil
	case store.KindBillable:
		in, err := decodeBatch[claim.Billable](items, func(b *claim.Billable) string { return b.ID })
		if err != nil {
			return 0, 0, err
		}
		safe := Reconcile(f.guard, kind, in)
		f.st.MergeBillables(safe)
		return len(safe), len(in) - len(safe), nil
	case store.KindPriceSchedule:
		in, err := decodeBatch[claim.PriceSchedule](items, func(ps *claim.PriceSchedule) string { return ps.ID })
		if err != nil {
			return 0, 0, err
		}
		safe := Reconcile(f.guard, kind, in)
		f.st.MergePriceSchedules(safe)
		return len(safe), len(in) - len(safe), nil
	case store.KindDiagnosis:
		in, err := decodeBatch[claim.Diagnosis](items, func(d *claim.Diagnosis) string { return d.ID })
		if err != nil {
			return 0, 0, err
		}
		safe := Reconcile(f.guard, kind, in)
		f.st.MergeDiagnoses(safe)
		return len(safe), len(in) - len(safe), nil
	case store.KindReimbursement:
		in, err := decodeBatch[reimbursement.Reimbursement](items, func(r *reimbursement.Reimbursement) string { return r.ID })
		if err != nil {
			return 0, 0, err
		}
		safe := Reconcile(f.guard, kind, in)
		f.st.MergeReimbursements(safe)
		return len(safe), len(in) - len(safe), nil
	default:
		return 0, 0, fmt.Errorf("unknown resource kind %q", kind)
	}
}

func decodeBatch[T any](items []json.RawMessage, id func(*T) string) (map[string]*T, error) {
	out := make(map[string]*T, len(items))
	for _, raw := range items {
		var e T
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode entity: %w", err)
		}
		out[id(&e)] = &e
	}
	return out, nil
}
