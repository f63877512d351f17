package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

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
	"github.com/clearhealth/claimsync/pkg/circuitbreaker"
)

// Uploader drains unsynced deltas to the gateway in recorded order. A
// conflict leaves the delta unsynced and holds back later deltas for the
// same entity; everything else keeps draining. Gateway calls go through the
// circuit breaker so an unreachable backend pauses the loop instead of
// hammering it.
type Uploader struct {
	gw       gateway.Gateway
	ledger   *Ledger
	st       *store.Store
	breaker  *circuitbreaker.Breaker
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewUploader creates an uploader that drains every interval. The metrics
// may be nil.
func NewUploader(gw gateway.Gateway, ledger *Ledger, st *store.Store, breaker *circuitbreaker.Breaker, m *metrics.Metrics, interval time.Duration, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Uploader{
		gw:       gw,
		ledger:   ledger,
		st:       st,
		breaker:  breaker,
		metrics:  m,
		interval: interval,
		logger:   logger,
		tracer:   otel.Tracer("uploader"),
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Uploaded  int `json:"uploaded"`
	Conflicts int `json:"conflicts"`
	Remaining int `json:"remaining"`
}

// Run drains on a ticker until the context is cancelled, evicting
// acknowledged deltas between passes.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := u.Drain(ctx)
			if err != nil && !errors.Is(err, circuitbreaker.ErrOpen) {
				u.logger.Warn("drain pass failed", zap.Error(err))
			}
			if res.Uploaded > 0 {
				u.ledger.Collect()
			}
		}
	}
}

// Drain uploads pending deltas once, in recorded order. It stops early on a
// transport failure or an open circuit; conflicts are skipped and retained.
func (u *Uploader) Drain(ctx context.Context) (DrainResult, error) {
	deltas := u.ledger.Unsynced()
	var res DrainResult
	if len(deltas) == 0 {
		return res, nil
	}

	ctx, span := u.tracer.Start(ctx, "drain_deltas",
		trace.WithAttributes(attribute.Int("pending", len(deltas))))
	defer span.End()

	// Entities whose earlier delta conflicted this pass; later deltas for
	// them must wait so edits replay in attempted order.
	held := make(map[string]bool)

	for _, d := range deltas {
		key := d.ModelType + "/" + d.ModelID
		if held[key] {
			res.Remaining++
			continue
		}

		echo, err := u.breaker.Execute(ctx, func() (interface{}, error) {
			return u.gw.Mutate(ctx, d.ModelType, d.Payload)
		})
		switch {
		case errors.Is(err, gateway.ErrConflict):
			res.Conflicts++
			res.Remaining++
			held[key] = true
			if u.metrics != nil {
				u.metrics.SyncConflicts.Inc()
			}
			u.logger.Warn("sync conflict, delta retained",
				zap.String("model_type", d.ModelType),
				zap.String("model_id", d.ModelID))
			continue
		case err != nil:
			res.Remaining += remaining(deltas, d)
			span.RecordError(err)
			return res, fmt.Errorf("upload %s: %w", key, err)
		}

		u.ledger.acknowledgeDelta(d.ID)
		res.Uploaded++
		if u.metrics != nil {
			u.metrics.DeltasUploaded.Inc()
		}

		// Merge the server's canonical copy, but only once no newer local
		// delta for the entity is pending; otherwise the echo would clobber
		// an edit the server has not seen yet.
		if _, pending := u.ledger.UnsyncedIDs(d.ModelType)[d.ModelID]; !pending {
			if err := u.applyEcho(d.ModelType, echo.(json.RawMessage)); err != nil {
				u.logger.Warn("server echo not merged", zap.String("model_id", d.ModelID), zap.Error(err))
			}
		}
	}

	span.SetAttributes(
		attribute.Int("uploaded", res.Uploaded),
		attribute.Int("conflicts", res.Conflicts))
	if res.Uploaded > 0 || res.Conflicts > 0 {
		u.logger.Info("deltas drained",
			zap.Int("uploaded", res.Uploaded),
			zap.Int("conflicts", res.Conflicts),
			zap.Int("remaining", res.Remaining))
	}
	return res, nil
}

// applyEcho upserts the acknowledged server copy. The guard is bypassed on
// purpose: acknowledgement just cleared the entity's deltas.
func (u *Uploader) applyEcho(kind string, raw json.RawMessage) error {
	switch kind {
	case store.KindEncounter:
		var e claim.Encounter
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		u.st.UpsertEncounter(&e)
	case store.KindMember:
		var m claim.Member
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		u.st.UpsertMember(&m)
	case store.KindBillable:
		var b claim.Billable
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		u.st.UpsertBillable(&b)
	case store.KindPriceSchedule:
		var ps claim.PriceSchedule
		if err := json.Unmarshal(raw, &ps); err != nil {
			return err
		}
		u.st.UpsertPriceSchedule(&ps)
	case store.KindDiagnosis:
		var d claim.Diagnosis
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		u.st.UpsertDiagnosis(&d)
	case store.KindReimbursement:
		var r reimbursement.Reimbursement
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		u.st.MergeReimbursements(map[string]*reimbursement.Reimbursement{r.ID: &r})
	default:
		return fmt.Errorf("unknown resource kind %q", kind)
	}
	return nil
}

// remaining counts deltas at or after d in the pass.
func remaining(deltas []*Delta, d *Delta) int {
	n := 0
	for _, x := range deltas {
		if x.Seq >= d.Seq {
			n++
		}
	}
	return n
}
