// Package loadbalance selects which host of a service receives the next request.
//
// Only round robin is offered: backends announce no weight and requests carry
// no affinity key, so every host of a service is interchangeable.
package loadbalance

import "errors"

// ErrNoInstances is returned when a service currently has no hosts.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The registry calls Pick() under its own lock, so implementations only need
// to be consistent with respect to the host list they are handed.
type Balancer interface {
	// Pick selects one instance from the available list.
	Pick(instances []string) (string, error)

	// Removed tells the balancer the instance at index left the list.
	Removed(index int)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
