// Package gitserver provides the client for the external commit-graph
// collaborator. The cross-repository index consults it when a requested
// commit is not yet tracked.
package gitserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"codeintel/internal/logging"
)

// CommitParents maps each known commit to its parent commits. A commit
// with no parents maps to an empty slice.
type CommitParents map[string][]string

// Client fetches commit ancestry for a repository. Implementations must
// be safe for concurrent use.
type Client interface {
	// FetchAncestry returns the ancestry delta reachable from commit in
	// repository, consulting the configured servers.
	FetchAncestry(ctx context.Context, repository, commit string) (CommitParents, error)
}

// ServersConfig lists the known gitserver instances, loaded from a TOML
// file alongside the main configuration.
type ServersConfig struct {
	Servers []ServerConfig `toml:"servers"`
}

// ServerConfig describes one gitserver instance.
type ServerConfig struct {
	URL       string `toml:"url"`
	TimeoutMs int    `toml:"timeout_ms,omitempty"`
}

// LoadServersConfig reads the gitservers file. A missing file yields an
// empty server list, not an error.
func LoadServersConfig(path string) (*ServersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ServersConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read gitservers config: %w", err)
	}

	var cfg ServersConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gitservers config: %w", err)
	}
	return &cfg, nil
}

// HTTPClient resolves ancestry over HTTP against the first server that
// answers. Server selection by repository hash is left to the fronting
// deployment; every configured server can answer for every repository.
type HTTPClient struct {
	servers []ServerConfig
	client  *http.Client
	logger  *logging.Logger
}

// NewHTTPClient creates a client over the configured servers.
func NewHTTPClient(cfg *ServersConfig, logger *logging.Logger) *HTTPClient {
	return &HTTPClient{
		servers: cfg.Servers,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type ancestryResponse struct {
	Commits []struct {
		Commit  string   `json:"commit"`
		Parents []string `json:"parents"`
	} `json:"commits"`
}

// FetchAncestry queries each configured server in order and returns the
// first successful ancestry delta.
func (c *HTTPClient) FetchAncestry(ctx context.Context, repository, commit string) (CommitParents, error) {
	if len(c.servers) == 0 {
		return nil, fmt.Errorf("no gitservers configured")
	}

	var lastErr error
	for _, server := range c.servers {
		parents, err := c.fetchFrom(ctx, server, repository, commit)
		if err != nil {
			lastErr = err
			c.logger.Warn("gitserver ancestry fetch failed", map[string]interface{}{
				"server":     server.URL,
				"repository": repository,
				"commit":     commit,
				"error":      err.Error(),
			})
			continue
		}
		return parents, nil
	}
	return nil, lastErr
}

func (c *HTTPClient) fetchFrom(ctx context.Context, server ServerConfig, repository, commit string) (CommitParents, error) {
	u, err := url.Parse(server.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid gitserver URL %q: %w", server.URL, err)
	}
	u.Path = "/ancestry"
	u.RawQuery = url.Values{
		"repository": []string{repository},
		"commit":     []string{commit},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	client := c.client
	if server.TimeoutMs > 0 {
		client = &http.Client{Timeout: time.Duration(server.TimeoutMs) * time.Millisecond}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gitserver returned status %d", resp.StatusCode)
	}

	var payload ancestryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode ancestry response: %w", err)
	}

	parents := make(CommitParents, len(payload.Commits))
	for _, c := range payload.Commits {
		parents[c.Commit] = c.Parents
	}
	return parents, nil
}
