package sandbox

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Provisioner starts and stops the environment behind a pool slot.
type Provisioner interface {
	// Provision starts (or locates) the sandbox for id and returns the base
	// URL of its runtime server. It does not wait for health.
	Provision(ctx context.Context, id string) (string, error)

	// Release stops the sandbox for id. Releasing an unprovisioned id is a no-op.
	Release(ctx context.Context, id string) error
}

// StaticProvisioner serves a fixed set of long-running sandbox servers.
type StaticProvisioner struct {
	endpoints map[string]string
	ids       []string
}

// Ensure StaticProvisioner implements Provisioner at compile time.
var _ Provisioner = (*StaticProvisioner)(nil)

// NewStaticProvisioner assigns ids "sandbox-0".."sandbox-N" to endpoints.
func NewStaticProvisioner(endpoints []string) (*StaticProvisioner, error) {
	p := &StaticProvisioner{endpoints: make(map[string]string, len(endpoints))}
	for i, ep := range endpoints {
		u, err := url.Parse(ep)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid sandbox endpoint %q", ep)
		}
		id := fmt.Sprintf("sandbox-%d", i)
		p.endpoints[id] = strings.TrimRight(ep, "/")
		p.ids = append(p.ids, id)
	}
	return p, nil
}

// IDs returns the pool slot ids in endpoint order.
func (p *StaticProvisioner) IDs() []string {
	return append([]string(nil), p.ids...)
}

// Provision returns the configured endpoint for id.
func (p *StaticProvisioner) Provision(_ context.Context, id string) (string, error) {
	ep, ok := p.endpoints[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSandbox, id)
	}
	return ep, nil
}

// Release is a no-op; static sandboxes outlive the supervisor.
func (p *StaticProvisioner) Release(context.Context, string) error {
	return nil
}
