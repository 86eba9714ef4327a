// Copyright 2022-2024 The Conduit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conduit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// A RetryPolicy describes how a client retries failed unary RPCs: an
// exponential backoff schedule plus a retry budget. The zero value is
// invalid; every field must be set explicitly.
//
// An RPC is retried only when its error carries a retryable code:
// CodeUnavailable, CodeResourceExhausted, or CodeAborted. Transport-level
// failures already surface as CodeUnavailable, so they're covered.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Multiplier scales the delay after each retry. Must be at least 1, so
	// the pre-jitter delay never decreases.
	Multiplier float64
	// Jitter randomizes each delay into [delay*(1-Jitter), delay*(1+Jitter)].
	// Must be in [0, 1]. Zero makes the schedule deterministic.
	Jitter float64
	// MaxDelay caps the pre-jitter delay.
	MaxDelay time.Duration
	// MaxRetries bounds the retries after the initial attempt: a policy with
	// MaxRetries of 2 invokes the RPC at most 3 times.
	MaxRetries int
	// AttemptTimeout, if positive, bounds each attempt separately. The
	// overall context deadline still applies across attempts.
	AttemptTimeout time.Duration
}

// Validate checks the policy's invariants. Clients validate their policy at
// construction time, so a bad policy fails fast rather than on first error.
func (p *RetryPolicy) Validate() *Error {
	if p.BaseDelay <= 0 {
		return errorf(CodeInvalidArgument, "retry: BaseDelay must be positive, got %v", p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return errorf(CodeInvalidArgument, "retry: Multiplier must be at least 1, got %v", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errorf(CodeInvalidArgument, "retry: Jitter must be in [0, 1], got %v", p.Jitter)
	}
	if p.MaxDelay < p.BaseDelay {
		return errorf(
			CodeInvalidArgument,
			"retry: MaxDelay %v must be at least BaseDelay %v",
			p.MaxDelay, p.BaseDelay,
		)
	}
	if p.MaxRetries < 0 {
		return errorf(CodeInvalidArgument, "retry: MaxRetries must be non-negative, got %d", p.MaxRetries)
	}
	return nil
}

// newBackOff builds the backoff schedule for one RPC. The schedule's state
// is per-call, so concurrent RPCs don't share intervals.
func (p *RetryPolicy) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0, // bounded by MaxRetries, not by wall time
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// retryableCode reports whether an error code indicates a failure worth
// retrying. Other codes are either permanent (InvalidArgument, NotFound) or
// ambiguous about whether the server acted (Internal, Unknown), and retrying
// ambiguous failures risks duplicate side effects.
func retryableCode(code Code) bool {
	switch code {
	case CodeUnavailable, CodeResourceExhausted, CodeAborted:
		return true
	default:
		return false
	}
}

// retryInterceptor retries unary RPCs per a RetryPolicy. Streams pass
// through untouched: a partially-consumed stream can't be replayed safely.
type retryInterceptor struct {
	policy *RetryPolicy
}

var _ Interceptor = (*retryInterceptor)(nil)

func newRetryInterceptor(policy *RetryPolicy) *retryInterceptor {
	return &retryInterceptor{policy: policy}
}

func (i *retryInterceptor) WrapUnary(next Func) Func {
	return func(ctx context.Context, request AnyRequest) (AnyResponse, error) {
		schedule := i.policy.newBackOff()
		var lastErr error
		for attempt := 0; attempt <= i.policy.MaxRetries; attempt++ {
			if attempt > 0 {
				delay := schedule.NextBackOff()
				if delay == backoff.Stop {
					break
				}
				if err := sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
			response, err := i.callOnce(ctx, next, request)
			if err == nil {
				return response, nil
			}
			if !retryableCode(CodeOf(err)) {
				return nil, err
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, wrapIfContextError(ctx.Err())
			}
		}
		return nil, lastErr
	}
}

func (i *retryInterceptor) callOnce(
	ctx context.Context,
	next Func,
	request AnyRequest,
) (AnyResponse, error) {
	if i.policy.AttemptTimeout <= 0 {
		return next(ctx, request)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, i.policy.AttemptTimeout)
	// Unary responses are fully received by the time next returns, so the
	// attempt context can be canceled immediately.
	defer cancel()
	return next(attemptCtx, request)
}

func (i *retryInterceptor) WrapStreamContext(ctx context.Context) context.Context {
	return ctx
}

func (i *retryInterceptor) WrapStreamSender(_ context.Context, sender Sender) Sender {
	return sender
}

func (i *retryInterceptor) WrapStreamReceiver(_ context.Context, receiver Receiver) Receiver {
	return receiver
}

// sleep waits for the backoff delay, racing the context so canceled callers
// aren't stuck waiting out a long delay.
func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return wrapIfContextError(ctx.Err())
	case <-timer.C:
		return nil
	}
}
