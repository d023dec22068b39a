// Package providers defines the boundary between the fleet orchestrator
// and the cloud APIs that hand out preemptible capacity.
package providers

import (
	"context"
	"time"
)

// InstanceState is the provisioning state of one requested instance slot.
type InstanceState string

const (
	InstancePending   InstanceState = "pending"
	InstanceRunning   InstanceState = "running"
	InstanceFailed    InstanceState = "failed"
	InstanceCancelled InstanceState = "cancelled"
)

// Terminal reports whether the slot will not change state anymore from the
// provisioning point of view. Running is terminal: what happens to the
// instance afterwards is the orchestrator's business.
func (s InstanceState) Terminal() bool {
	return s == InstanceRunning || s == InstanceFailed || s == InstanceCancelled
}

// RequestID is the opaque handle a provider returns for one submitted
// request. It must survive a round trip through the resource ledger so a
// later process can cancel it.
type RequestID string

// SpotRequest asks for Count instances of one group.
type SpotRequest struct {
	Group        string
	InstanceType string
	ImageID      string
	Count        int
	// MaxDuration bounds the lifetime of the request on the provider side.
	MaxDuration time.Duration
	Tags        map[string]string
	// UserData is passed verbatim to the instance (cloud-init or script).
	UserData string
}

// InstanceDescriptor is one requested slot as reported by Poll. Slot is
// stable for the lifetime of the request; InstanceID is empty until the
// provider has launched something for the slot.
type InstanceDescriptor struct {
	Slot         string
	InstanceID   string
	State        InstanceState
	InstanceType string
	PrivateIP    string
	PublicIP     string
	PublicDNS    string
	// Reason is the provider's status message for failed or cancelled slots.
	Reason string
}

// Client submits, queries and cancels preemptible-instance requests and
// terminates instances. Implementations must be safe for concurrent use.
//
// Cancel and Terminate are idempotent: cancelling a request that is already
// closed, or terminating an instance that is already gone, is not an error.
type Client interface {
	Name() string
	Submit(ctx context.Context, req SpotRequest) (RequestID, error)
	Poll(ctx context.Context, id RequestID) ([]InstanceDescriptor, error)
	Cancel(ctx context.Context, id RequestID) error
	Terminate(ctx context.Context, instanceID string) error
}
