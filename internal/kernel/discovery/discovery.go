// Package discovery locates a usable (server, kernel type) pair among
// candidate kernel servers when no binding is configured. The scan is
// sequential and short-circuiting: candidates are probed in order and
// the first server that is reachable and offers at least one kernel
// type wins. Given the same fixture of reachable servers and kernel
// lists, repeated runs return the same pair.
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/errors"
	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/kernel/lifecycle"
	"github.com/cellrun/cellrun/internal/notebook/models"
)

// KernelManager is the subset of the lifecycle manager discovery needs
type KernelManager interface {
	Ping(ctx context.Context, server models.Server) error
	List(ctx context.Context, server models.Server) ([]lifecycle.KernelSpec, error)
}

// Result is a usable server and kernel type pair
type Result struct {
	Server     models.Server
	KernelName string
}

// Discoverer scans candidate servers for a usable kernel
type Discoverer struct {
	kernels KernelManager
	logger  *logger.Logger
}

// NewDiscoverer creates a discoverer over the given kernel manager
func NewDiscoverer(kernels KernelManager, log *logger.Logger) *Discoverer {
	return &Discoverer{
		kernels: kernels,
		logger:  log.WithFields(zap.String("component", "discovery")),
	}
}

// Discover probes each candidate server in order and returns the first
// (server, kernelType) pair found. Unreachable servers and servers
// with no kernels are skipped. When every candidate is exhausted a
// configuration error surfaces rather than proceeding silently.
func (d *Discoverer) Discover(ctx context.Context, servers []models.Server) (*Result, error) {
	if len(servers) == 0 {
		return nil, errors.Configuration("no kernel servers configured")
	}

	for _, server := range servers {
		if err := d.kernels.Ping(ctx, server); err != nil {
			d.logger.Warn("skipping unreachable server",
				zap.String("server", server.Key()),
				zap.Error(err))
			continue
		}

		specs, err := d.kernels.List(ctx, server)
		if err != nil {
			d.logger.Warn("skipping server, kernel list failed",
				zap.String("server", server.Key()),
				zap.Error(err))
			continue
		}

		spec, ok := lifecycle.PickPreferred(specs)
		if !ok {
			d.logger.Warn("skipping server with no kernels",
				zap.String("server", server.Key()))
			continue
		}

		d.logger.Info("discovered kernel server",
			zap.String("server", server.Key()),
			zap.String("kernel_name", spec.Name))
		return &Result{Server: server, KernelName: spec.Name}, nil
	}

	return nil, errors.Configuration(
		fmt.Sprintf("no reachable kernel server among %d candidates", len(servers)))
}
