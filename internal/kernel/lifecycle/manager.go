// Package lifecycle manages remote kernel instances: creating,
// deleting and listing them over each server's kernel management API.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/errors"
	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/notebook/models"
)

const (
	requestTimeout = 15 * time.Second
	probeTimeout   = 3 * time.Second
)

// KernelSpec describes one kernel type a server offers
type KernelSpec struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Spec struct {
		Language string `json:"language"`
	} `json:"spec"`
}

// Manager performs kernel lifecycle calls against kernel servers
type Manager struct {
	client *http.Client
	probe  *http.Client
	logger *logger.Logger
}

// NewManager creates a lifecycle manager
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		client: &http.Client{Timeout: requestTimeout},
		probe:  &http.Client{Timeout: probeTimeout},
		logger: log.WithFields(zap.String("component", "kernel-lifecycle")),
	}
}

// Create starts a new kernel of the named type on the server and
// returns its id. An empty or "none" kernel name is invalid; the
// manager attempts recovery by re-listing the server's kernel types
// and substituting a preferred match before failing.
func (m *Manager) Create(ctx context.Context, server models.Server, kernelName string) (string, error) {
	if kernelName == "" || kernelName == models.NoKernel {
		spec, err := m.recoverKernelName(ctx, server, kernelName)
		if err != nil {
			return "", err
		}
		kernelName = spec
	}

	body, err := json.Marshal(map[string]string{"name": kernelName})
	if err != nil {
		return "", errors.InternalError("failed to marshal kernel create request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint(server, "/api/kernels"), bytes.NewReader(body))
	if err != nil {
		return "", errors.InternalError("failed to build kernel create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", errors.Connectivity(fmt.Sprintf("kernel create request to %s failed", server.Key()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.KernelCreation(
			fmt.Sprintf("server %s refused kernel %q: %s", server.Key(), kernelName, readBodySnippet(resp.Body)), nil)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", errors.KernelCreation("malformed kernel create response", err)
	}
	if created.ID == "" {
		return "", errors.KernelCreation("kernel create response missing id", nil)
	}

	m.logger.Info("created kernel",
		zap.String("server", server.Key()),
		zap.String("kernel_name", kernelName),
		zap.String("kernel_id", created.ID))
	return created.ID, nil
}

// Delete removes a kernel from the server
func (m *Manager) Delete(ctx context.Context, server models.Server, kernelID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		m.endpoint(server, "/api/kernels/"+url.PathEscape(kernelID)), nil)
	if err != nil {
		return errors.InternalError("failed to build kernel delete request", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Connectivity(fmt.Sprintf("kernel delete request to %s failed", server.Key()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.KernelCreation(
			fmt.Sprintf("server %s refused kernel delete %q: %s", server.Key(), kernelID, readBodySnippet(resp.Body)), nil)
	}

	m.logger.Info("deleted kernel",
		zap.String("server", server.Key()),
		zap.String("kernel_id", kernelID))
	return nil
}

// List returns the kernel types the server offers
func (m *Manager) List(ctx context.Context, server models.Server) ([]KernelSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint(server, "/api/kernelspecs"), nil)
	if err != nil {
		return nil, errors.InternalError("failed to build kernel list request", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Connectivity(fmt.Sprintf("kernel list request to %s failed", server.Key()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Connectivity(
			fmt.Sprintf("server %s refused kernel list: %s", server.Key(), readBodySnippet(resp.Body)), nil)
	}

	var specs []KernelSpec
	if err := json.NewDecoder(resp.Body).Decode(&specs); err != nil {
		return nil, errors.Protocol("malformed kernel list response", err)
	}
	return specs, nil
}

// Ping probes the server for reachability with a short timeout
func (m *Manager) Ping(ctx context.Context, server models.Server) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint(server, "/api"), nil)
	if err != nil {
		return errors.InternalError("failed to build probe request", err)
	}

	resp, err := m.probe.Do(req)
	if err != nil {
		return errors.Connectivity(fmt.Sprintf("server %s is unreachable", server.Key()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.Connectivity(fmt.Sprintf("server %s probe returned %d", server.Key(), resp.StatusCode), nil)
	}
	return nil
}

// recoverKernelName re-lists the server's kernel types and substitutes
// a preferred match for an invalid requested name.
func (m *Manager) recoverKernelName(ctx context.Context, server models.Server, requested string) (string, error) {
	m.logger.Warn("invalid kernel name, attempting recovery",
		zap.String("server", server.Key()),
		zap.String("requested", requested))

	specs, err := m.List(ctx, server)
	if err != nil {
		return "", errors.KernelCreation(fmt.Sprintf("invalid kernel name %q and kernel list failed", requested), err)
	}

	spec, ok := PickPreferred(specs)
	if !ok {
		return "", errors.KernelCreation(fmt.Sprintf("invalid kernel name %q and server %s offers no kernels", requested, server.Key()), nil)
	}

	m.logger.Info("recovered kernel name",
		zap.String("requested", requested),
		zap.String("substituted", spec.Name))
	return spec.Name, nil
}

// PickPreferred selects the preferred kernel spec: the first whose
// declared language or name case-insensitively contains "python", else
// the first available.
func PickPreferred(specs []KernelSpec) (KernelSpec, bool) {
	if len(specs) == 0 {
		return KernelSpec{}, false
	}
	for _, spec := range specs {
		if strings.Contains(strings.ToLower(spec.Spec.Language), "python") ||
			strings.Contains(strings.ToLower(spec.Name), "python") {
			return spec, true
		}
	}
	return specs[0], true
}

// endpoint builds a server URL, appending the access token as a query
// parameter when the server config specifies one.
func (m *Manager) endpoint(server models.Server, path string) string {
	u := server.BaseURL() + path
	if server.Token != "" {
		u += "?token=" + url.QueryEscape(server.Token)
	}
	return u
}

func readBodySnippet(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(body) == 0 {
		return "no response body"
	}
	return strings.TrimSpace(string(body))
}
