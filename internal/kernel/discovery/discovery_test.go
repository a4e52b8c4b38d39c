package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/cellrun/cellrun/internal/common/errors"
	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/kernel/lifecycle"
	"github.com/cellrun/cellrun/internal/notebook/models"
)

// mockKernelManager implements KernelManager for testing
type mockKernelManager struct {
	PingFn func(ctx context.Context, server models.Server) error
	ListFn func(ctx context.Context, server models.Server) ([]lifecycle.KernelSpec, error)
}

func (m *mockKernelManager) Ping(ctx context.Context, server models.Server) error {
	if m.PingFn != nil {
		return m.PingFn(ctx, server)
	}
	return nil
}

func (m *mockKernelManager) List(ctx context.Context, server models.Server) ([]lifecycle.KernelSpec, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, server)
	}
	return nil, nil
}

func specs(names ...string) []lifecycle.KernelSpec {
	out := make([]lifecycle.KernelSpec, len(names))
	for i, name := range names {
		out[i] = lifecycle.KernelSpec{ID: name, Name: name}
	}
	return out
}

func TestDiscover_FirstReachableWins(t *testing.T) {
	servers := []models.Server{
		{Host: "a", Port: 8888},
		{Host: "b", Port: 8888},
	}

	kernels := &mockKernelManager{
		ListFn: func(ctx context.Context, server models.Server) ([]lifecycle.KernelSpec, error) {
			return specs("python3"), nil
		},
	}

	d := NewDiscoverer(kernels, logger.Default())
	result, err := d.Discover(context.Background(), servers)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if result.Server.Host != "a" {
		t.Errorf("expected first server, got %s", result.Server.Host)
	}
	if result.KernelName != "python3" {
		t.Errorf("expected python3, got %s", result.KernelName)
	}
}

func TestDiscover_SkipsUnreachableServers(t *testing.T) {
	servers := []models.Server{
		{Host: "down", Port: 8888},
		{Host: "up", Port: 8888},
	}

	kernels := &mockKernelManager{
		PingFn: func(ctx context.Context, server models.Server) error {
			if server.Host == "down" {
				return errors.Connectivity("unreachable", nil)
			}
			return nil
		},
		ListFn: func(ctx context.Context, server models.Server) ([]lifecycle.KernelSpec, error) {
			return specs("python3"), nil
		},
	}

	d := NewDiscoverer(kernels, logger.Default())
	result, err := d.Discover(context.Background(), servers)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if result.Server.Host != "up" {
		t.Errorf("expected skipping to the reachable server, got %s", result.Server.Host)
	}
}

func TestDiscover_SkipsServersWithoutKernels(t *testing.T) {
	servers := []models.Server{
		{Host: "empty", Port: 8888},
		{Host: "full", Port: 8888},
	}

	kernels := &mockKernelManager{
		ListFn: func(ctx context.Context, server models.Server) ([]lifecycle.KernelSpec, error) {
			if server.Host == "empty" {
				return nil, nil
			}
			return specs("ir"), nil
		},
	}

	d := NewDiscoverer(kernels, logger.Default())
	result, err := d.Discover(context.Background(), servers)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if result.Server.Host != "full" {
		t.Errorf("expected server with kernels, got %s", result.Server.Host)
	}
	if result.KernelName != "ir" {
		t.Errorf("expected fallback to first kernel, got %s", result.KernelName)
	}
}

func TestDiscover_PrefersPython(t *testing.T) {
	kernels := &mockKernelManager{
		ListFn: func(ctx context.Context, server models.Server) ([]lifecycle.KernelSpec, error) {
			return specs("ir", "python3", "julia"), nil
		},
	}

	d := NewDiscoverer(kernels, logger.Default())
	result, err := d.Discover(context.Background(), []models.Server{{Host: "a", Port: 8888}})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if result.KernelName != "python3" {
		t.Errorf("expected python3 preferred, got %s", result.KernelName)
	}
}

func TestDiscover_NoServersConfigured(t *testing.T) {
	d := NewDiscoverer(&mockKernelManager{}, logger.Default())
	_, err := d.Discover(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error with no servers configured")
	}
	if !errors.IsConfiguration(err) {
		t.Errorf("expected configuration classification, got %v", err)
	}
}

func TestDiscover_AllCandidatesExhausted(t *testing.T) {
	kernels := &mockKernelManager{
		PingFn: func(ctx context.Context, server models.Server) error {
			return fmt.Errorf("connection refused")
		},
	}

	d := NewDiscoverer(kernels, logger.Default())
	_, err := d.Discover(context.Background(), []models.Server{
		{Host: "a", Port: 8888},
		{Host: "b", Port: 8888},
	})
	if err == nil {
		t.Fatal("expected error when all candidates fail")
	}
	if !errors.IsConfiguration(err) {
		t.Errorf("expected configuration classification, got %v", err)
	}
}

func TestDiscover_Deterministic(t *testing.T) {
	servers := []models.Server{
		{Host: "a", Port: 8888},
		{Host: "b", Port: 8888},
	}
	kernels := &mockKernelManager{
		ListFn: func(ctx context.Context, server models.Server) ([]lifecycle.KernelSpec, error) {
			return specs("python3"), nil
		},
	}

	d := NewDiscoverer(kernels, logger.Default())
	first, err := d.Discover(context.Background(), servers)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := d.Discover(context.Background(), servers)
		if err != nil {
			t.Fatalf("Discover failed: %v", err)
		}
		if again.Server.Key() != first.Server.Key() || again.KernelName != first.KernelName {
			t.Errorf("expected deterministic result, got %+v then %+v", first, again)
		}
	}
}
