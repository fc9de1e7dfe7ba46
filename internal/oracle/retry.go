package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/msageha/agentloop/internal/faults"
	"github.com/msageha/agentloop/internal/model"
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

func RetryPolicyFromConfig(c model.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMs) * time.Millisecond,
		Multiplier:     c.Multiplier,
		MaxBackoff:     time.Duration(c.MaxBackoffMs) * time.Millisecond,
	}
}

// BackOff builds a fresh backoff.BackOff bound to ctx.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		eb.InitialInterval = p.InitialBackoff
	}
	if p.Multiplier > 1 {
		eb.Multiplier = p.Multiplier
	}
	if p.MaxBackoff > 0 {
		eb.MaxInterval = p.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// policy is exhausted. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if faults.KindOf(err) != faults.Transient {
			return backoff.Permanent(err)
		}
		return err
	}, p.BackOff(ctx), func(err error, wait time.Duration) {
		if logger != nil {
			logger.Warn("retrying after transient failure", "op", op, "attempt", attempt, "wait", wait, "error", err)
		}
	})
	if err != nil && ctx.Err() != nil && faults.KindOf(err) == faults.Transient {
		return faults.New(faults.Fatal, op, ctx.Err())
	}
	return err
}

// Retrying wraps an Oracle with a per-call timeout and backoff on transient
// failures. Schema-invalid responses are returned on the first occurrence.
type Retrying struct {
	next    Oracle
	policy  RetryPolicy
	timeout time.Duration
	logger  *slog.Logger
}

func NewRetrying(next Oracle, policy RetryPolicy, timeout time.Duration, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, policy: policy, timeout: timeout, logger: logger}
}

func (r *Retrying) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return r.policy.Do(ctx, r.logger, op, func(ctx context.Context) error {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

func (r *Retrying) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	var out *PlanResponse
	err := r.call(ctx, "oracle.plan", func(ctx context.Context) error {
		var err error
		out, err = r.next.Plan(ctx, req)
		return err
	})
	return out, err
}

func (r *Retrying) Verify(ctx context.Context, req VerifyRequest) (*Verdict, error) {
	var out *Verdict
	err := r.call(ctx, "oracle.verify", func(ctx context.Context) error {
		var err error
		out, err = r.next.Verify(ctx, req)
		return err
	})
	return out, err
}

func (r *Retrying) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	var out string
	err := r.call(ctx, "oracle.summarize", func(ctx context.Context) error {
		var err error
		out, err = r.next.Summarize(ctx, req)
		return err
	})
	return out, err
}

var _ Oracle = (*Retrying)(nil)
