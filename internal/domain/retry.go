package domain

import (
	"time"
)

type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts" yaml:"max_attempts"`
	BaseDelay      time.Duration `json:"baseDelay" yaml:"base_delay"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
	Jitter         time.Duration `json:"jitter" yaml:"jitter"`
	MaxDelay       time.Duration `json:"maxDelay,omitempty" yaml:"max_delay"`
	RetryableKinds []ErrorKind   `json:"retryableKinds,omitempty" yaml:"retryable_kinds"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		Multiplier:     2.0,
		Jitter:         50 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		RetryableKinds: DefaultRetryableKinds(),
	}
}

func DefaultRetryableKinds() []ErrorKind {
	return []ErrorKind{KindIntegrationTransient, KindTimeout, KindNode}
}

// Retryable reports whether err belongs to a kind this policy retries.
// Permanent integration failures, validation and cancellation never retry.
func (p RetryPolicy) Retryable(err error) bool {
	kind := KindOf(err)
	switch kind {
	case KindIntegrationPermanent, KindValidation, KindCancelled, KindLoopLimit, "":
		return false
	}
	kinds := p.RetryableKinds
	if len(kinds) == 0 {
		kinds = DefaultRetryableKinds()
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Normalize fills zero fields from defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}
