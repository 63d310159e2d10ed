package fallback

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/service/emitter"
	"ai-speech-failover-service/internal/service/provider"
)

// policy is the attempt policy of one coordinator.
type policy struct {
	timeout  time.Duration
	retries  int
	interval time.Duration
}

type labeled interface {
	Label() string
}

// attempt is one begun try against one provider. It owns the attempt record
// and the trace span until end is called.
type attempt struct {
	tr    *emitter.Tracker
	idx   int
	label string
	span  trace.Span
	log   zerolog.Logger
	done  bool
}

func beginAttempt(ctx context.Context, tr *emitter.Tracker, kind models.Kind, label string) (context.Context, *attempt) {
	n := tr.Attempts() + 1
	ctx, span := tracer.Start(ctx, "provider attempt", trace.WithAttributes(
		attribute.String("request.id", tr.RequestID()),
		attribute.String("request.kind", string(kind)),
		attribute.String("provider.label", label),
		attribute.Int("attempt.number", n),
	))
	return ctx, &attempt{
		tr:    tr,
		idx:   tr.Begin(label),
		label: label,
		span:  span,
		log:   logging.WithProvider(tr.RequestID(), label, n),
	}
}

// end classifies err against the request context and finalizes the attempt.
// Only the first call has an effect.
func (a *attempt) end(parent context.Context, err error) models.Outcome {
	outcome := provider.Classify(parent, err)
	if a == nil || a.done {
		return outcome
	}
	a.done = true
	a.tr.End(a.idx, outcome, err)

	a.span.SetAttributes(attribute.String("attempt.outcome", outcome.String()))
	if err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
		a.log.Warn().Err(err).Str("outcome", outcome.String()).Msg("Provider attempt failed")
	} else {
		a.log.Debug().Msg("Provider attempt succeeded")
	}
	a.span.End()
	return outcome
}

// runAttempts applies the retry and advance policy to op, starting at
// providers[from]. Each provider gets up to retries+1 attempts; a permanent
// failure advances immediately. On success it returns the result and the
// index of the provider that produced it. With hold set, the successful
// attempt is returned still open for the caller to end.
func runAttempts[P labeled, T any](
	ctx context.Context,
	tr *emitter.Tracker,
	kind models.Kind,
	providers []P,
	from int,
	pol policy,
	hold bool,
	op func(ctx context.Context, p P) (T, error),
) (T, int, *attempt, error) {
	var zero T
	var last error

providers:
	for i := from; i < len(providers); i++ {
		p := providers[i]
		for try := 0; try <= pol.retries; try++ {
			if try > 0 && pol.interval > 0 {
				if err := sleep(ctx, pol.interval); err != nil {
					return zero, i, nil, provider.Cancelled(ctx)
				}
			}
			if ctx.Err() != nil {
				return zero, i, nil, provider.Cancelled(ctx)
			}

			actx, a := beginAttempt(ctx, tr, kind, p.Label())
			var cancel context.CancelFunc
			if pol.timeout > 0 {
				actx, cancel = context.WithTimeout(actx, pol.timeout)
			} else {
				actx, cancel = context.WithCancel(actx)
			}
			res, err := op(actx, p)
			cancel()

			if err == nil {
				if !hold {
					a.end(ctx, nil)
				}
				return res, i, a, nil
			}
			last = err

			switch a.end(ctx, err) {
			case models.OutcomeCancelled:
				return zero, i, nil, cancellation(ctx, err)
			case models.OutcomePermanentError:
				continue providers
			}
		}
	}
	return zero, -1, nil, &provider.ExhaustedError{Attempts: tr.Attempts(), Last: last}
}

// cancellation returns the error a cancelled request surfaces.
func cancellation(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return provider.Cancelled(ctx)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchdog is a restartable deadline usable in a select.
type watchdog struct {
	d     time.Duration
	timer *time.Timer
}

// C returns the expiry channel, or nil while disarmed.
func (w *watchdog) C() <-chan time.Time {
	if w.timer == nil {
		return nil
	}
	return w.timer.C
}

// arm starts the deadline unless it is already running.
func (w *watchdog) arm() {
	if w.d <= 0 || w.timer != nil {
		return
	}
	w.timer = time.NewTimer(w.d)
}

// reset restarts a running deadline.
func (w *watchdog) reset() {
	if w.timer == nil {
		return
	}
	w.disarm()
	w.arm()
}

func (w *watchdog) disarm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
