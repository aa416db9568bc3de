// Package kubernetes provides a sandbox Provisioner that runs each pool slot
// as an agent-sandbox SandboxClaim.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/omega/pkg/debug"
	"github.com/rhuss/omega/pkg/sandbox"
)

// Ensure ClaimProvisioner implements sandbox.Provisioner.
var _ sandbox.Provisioner = (*ClaimProvisioner)(nil)

// SlotLabel marks claims with the pool slot they serve.
const SlotLabel = "omega.rhuss.dev/sandbox-id"

// ClaimProvisioner backs each pool slot with one SandboxClaim. Provisioning
// a slot that already has a claim replaces it, so a restart always yields a
// fresh pod and therefore a fresh install session.
type ClaimProvisioner struct {
	client    client.Client
	template  string
	namespace string
	port      int
	timeout   time.Duration

	mu     sync.Mutex
	claims map[string]string // slot id -> claim name
}

// NewClaimProvisioner creates a ClaimProvisioner. timeout bounds the wait
// for the Sandbox resource to report Ready.
func NewClaimProvisioner(c client.Client, template, namespace string, port int, timeout time.Duration) *ClaimProvisioner {
	if port == 0 {
		port = 8080
	}
	return &ClaimProvisioner{
		client:    c,
		template:  template,
		namespace: namespace,
		port:      port,
		timeout:   timeout,
		claims:    make(map[string]string),
	}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// Provision creates a SandboxClaim for slot id, waits for the Sandbox to
// become ready and returns http://<serviceFQDN>:<port>.
func (p *ClaimProvisioner) Provision(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	previous := p.claims[id]
	delete(p.claims, id)
	p.mu.Unlock()
	if previous != "" {
		p.deleteClaim(ctx, previous)
	}

	claimName := generateClaimNameFn(id)
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName,
			Namespace: p.namespace,
			Labels:    map[string]string{SlotLabel: id},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: p.template,
			},
		},
	}

	if err := p.client.Create(ctx, claim); err != nil {
		return "", fmt.Errorf("create SandboxClaim %q: %w", claimName, err)
	}
	debug.Log("sandbox", "created SandboxClaim", "name", claimName, "namespace", p.namespace, "sandbox_id", id)

	fqdn, err := p.waitForReady(ctx, claimName)
	if err != nil {
		p.deleteClaim(context.Background(), claimName)
		return "", err
	}

	p.mu.Lock()
	p.claims[id] = claimName
	p.mu.Unlock()

	endpoint := fmt.Sprintf("http://%s:%d", fqdn, p.port)
	slog.Info("sandbox provisioned", "sandbox_id", id, "claim", claimName, "endpoint", endpoint)
	return endpoint, nil
}

// Release deletes the claim backing slot id, if any.
func (p *ClaimProvisioner) Release(ctx context.Context, id string) error {
	p.mu.Lock()
	name := p.claims[id]
	delete(p.claims, id)
	p.mu.Unlock()
	if name == "" {
		return nil
	}
	return p.deleteClaim(ctx, name)
}

// waitForReady polls the Sandbox resource until its Ready condition is True
// and the service FQDN is populated, or the timeout expires.
func (p *ClaimProvisioner) waitForReady(ctx context.Context, name string) (string, error) {
	deadline := time.After(p.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for Sandbox %q: %w", name, ctx.Err())
		case <-deadline:
			return "", fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", name, p.timeout)
		case <-ticker.C:
			sb := &sandboxv1alpha1.Sandbox{}
			key := types.NamespacedName{Name: name, Namespace: p.namespace}
			if err := p.client.Get(ctx, key, sb); err != nil {
				// The controller may not have created it yet.
				debug.Log("sandbox", "waiting for Sandbox", "name", name, "error", err.Error())
				continue
			}
			if isReady(sb) && sb.Status.ServiceFQDN != "" {
				return sb.Status.ServiceFQDN, nil
			}
		}
	}
}

func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

func (p *ClaimProvisioner) deleteClaim(ctx context.Context, name string) error {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: p.namespace},
	}
	if err := client.IgnoreNotFound(p.client.Delete(ctx, claim)); err != nil {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", p.namespace, "error", err)
		return fmt.Errorf("delete SandboxClaim %q: %w", name, err)
	}
	debug.Log("sandbox", "deleted SandboxClaim", "name", name, "namespace", p.namespace)
	return nil
}

var pollInterval = 500 * time.Millisecond

// generateClaimNameFn names a claim for a slot. Replaceable in tests.
var generateClaimNameFn = func(id string) string {
	return fmt.Sprintf("omega-%s-%s", id, uuid.NewString()[:8])
}
