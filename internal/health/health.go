// Package health implements readiness probes for the services this system
// depends on. A probe answers one question: is the dependency able to serve
// the request type we care about right now. Every check produces a fresh
// Result; nothing is cached between attempts.
package health

import (
	"context"
	"time"
)

// Kind identifies what a service is, for descriptors and diagnostics.
type Kind string

const (
	KindStore  Kind = "store"
	KindBroker Kind = "broker"
	KindAPI    Kind = "api"
	KindWorker Kind = "worker"
)

// Result is the outcome of a single probe invocation.
type Result struct {
	Ready      bool
	ObservedAt time.Time
	Detail     string
}

// Probe checks one dependency for readiness. Implementations must be
// side-effect free on the target and bound their I/O by the context deadline
// plus their own per-attempt timeout.
type Probe interface {
	Check(ctx context.Context) Result
}

// Dependency names one service a process must see ready before proceeding.
type Dependency struct {
	Name  string
	Kind  Kind
	Probe Probe
}

// Descriptor declares a process's identity and its startup dependencies.
// Immutable after process start.
type Descriptor struct {
	Name         string
	Kind         Kind
	Dependencies []Dependency
}

// notReady builds a failed Result with the given diagnostic detail.
func notReady(detail string) Result {
	return Result{Ready: false, ObservedAt: time.Now().UTC(), Detail: detail}
}

// ready builds a successful Result.
func ready(detail string) Result {
	return Result{Ready: true, ObservedAt: time.Now().UTC(), Detail: detail}
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) Result

func (f ProbeFunc) Check(ctx context.Context) Result { return f(ctx) }
