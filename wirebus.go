// Package wirebus declares the shared vocabulary of the bus: endpoint
// descriptors, the frame layer, and the error taxonomy. A server and its
// clients build against the same descriptor; a deterministic hash of the
// endpoint list lets both sides detect drift before it corrupts state.
package wirebus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is an endpoint pattern.
type Kind string

const (
	// KindRPC is request/reply with correlation ids.
	KindRPC Kind = "rpc"
	// KindPubSub broadcasts every message to all subscribers.
	KindPubSub Kind = "pubsub"
	// KindPushPull delivers each message to exactly one subscriber.
	KindPushPull Kind = "pushpull"
	// KindSharedObject replicates a server-owned value to subscribers.
	KindSharedObject Kind = "sharedObject"
)

func (k Kind) valid() bool {
	switch k {
	case KindRPC, KindPubSub, KindPushPull, KindSharedObject:
		return true
	}
	return false
}

// Reserved endpoints served by the multiplexer itself. User endpoints
// may not start with an underscore.
const (
	// DescriptorEndpoint answers an RPC with the server's descriptor hash.
	DescriptorEndpoint = "_descriptor"
	// FlushEndpoint answers an empty RPC; clients use it as a barrier to
	// confirm the server has processed previously sent frames.
	FlushEndpoint = "_flush"
)

// Endpoint declares one named channel. Schema fields are raw JSON Schema
// documents; which ones apply depends on Kind. A nil schema skips
// validation for that payload.
type Endpoint struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Input and Output apply to RPC endpoints.
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`

	// Message applies to PubSub and PushPull endpoints.
	Message json.RawMessage `json:"message,omitempty"`

	// Object applies to SharedObject endpoints and is required for them.
	Object json.RawMessage `json:"object,omitempty"`

	// AutoNotify controls whether writes through the tracked façade
	// schedule broadcasts automatically. Defaults to true.
	AutoNotify *bool `json:"autoNotify,omitempty"`
}

// AutoNotifyEnabled resolves the AutoNotify default.
func (e Endpoint) AutoNotifyEnabled() bool {
	return e.AutoNotify == nil || *e.AutoNotify
}

// Descriptor is an immutable, validated endpoint list shared by a server
// and its clients.
type Descriptor struct {
	endpoints []Endpoint
	byName    map[string]Endpoint
	hash      string
}

// NewDescriptor validates the endpoint list and precomputes its hash.
func NewDescriptor(endpoints ...Endpoint) (*Descriptor, error) {
	byName := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		if ep.Name == "" {
			return nil, fmt.Errorf("endpoint with empty name")
		}
		if strings.HasPrefix(ep.Name, "_") {
			return nil, fmt.Errorf("endpoint %q: names starting with underscore are reserved", ep.Name)
		}
		if !ep.Kind.valid() {
			return nil, fmt.Errorf("endpoint %q: unknown kind %q", ep.Name, ep.Kind)
		}
		if _, dup := byName[ep.Name]; dup {
			return nil, fmt.Errorf("duplicate endpoint %q", ep.Name)
		}
		if ep.Kind == KindSharedObject && len(ep.Object) == 0 {
			return nil, fmt.Errorf("endpoint %q: sharedObject requires an object schema", ep.Name)
		}
		byName[ep.Name] = ep
	}
	d := &Descriptor{
		endpoints: append([]Endpoint(nil), endpoints...),
		byName:    byName,
	}
	h, err := hashEndpoints(d.endpoints)
	if err != nil {
		return nil, fmt.Errorf("hash descriptor: %w", err)
	}
	d.hash = h
	return d, nil
}

// MustDescriptor panics on an invalid endpoint list. For package-level
// descriptor variables.
func MustDescriptor(endpoints ...Endpoint) *Descriptor {
	d, err := NewDescriptor(endpoints...)
	if err != nil {
		panic(err)
	}
	return d
}

// Endpoints returns a copy of the declared endpoints.
func (d *Descriptor) Endpoints() []Endpoint {
	return append([]Endpoint(nil), d.endpoints...)
}

// Endpoint looks up a declaration by name.
func (d *Descriptor) Endpoint(name string) (Endpoint, bool) {
	ep, ok := d.byName[name]
	return ep, ok
}

// Hash is the SHA-256 of the canonical JSON serialization of the
// endpoint list. Both sides compute it the same way; transport details
// never participate, so clients on different hostnames still match.
func (d *Descriptor) Hash() string {
	return d.hash
}
