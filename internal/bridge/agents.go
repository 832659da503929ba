package bridge

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/debug"
)

// AgentLister lists the agents of the account. api.AgentsService implements it.
type AgentLister interface {
	List(ctx context.Context) ([]api.Agent, error)
}

// Directory tracks which agents are available. It only feeds attribution
// metadata; an empty or stale directory never fails a request.
type Directory struct {
	lister AgentLister
	logger *slog.Logger

	mu        sync.RWMutex
	all       []api.Agent
	available []api.Agent
	refreshed time.Time
}

// NewDirectory returns an empty directory backed by lister.
func NewDirectory(lister AgentLister, logger *slog.Logger) *Directory {
	return &Directory{lister: lister, logger: debug.Component(logger, "agents")}
}

func isAvailable(a api.Agent) bool {
	switch strings.ToLower(strings.TrimSpace(a.AvailabilityStatus)) {
	case "online", "available":
		return true
	}
	return false
}

// Refresh reloads the agent list.
func (d *Directory) Refresh(ctx context.Context) error {
	agents, err := d.lister.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	var available []api.Agent
	for _, a := range agents {
		if isAvailable(a) {
			available = append(available, a)
		}
	}

	d.mu.Lock()
	d.all = agents
	d.available = available
	d.refreshed = time.Now()
	d.mu.Unlock()

	d.logger.Debug("agents refreshed", "total", len(agents), "available", len(available))
	return nil
}

// Run refreshes every interval until ctx is done. Failures are logged.
func (d *Directory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("agent refresh failed", "error", err)
			}
		}
	}
}

// Available returns the agents that were available at the last refresh.
func (d *Directory) Available() []api.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]api.Agent(nil), d.available...)
}

// FirstAvailable returns the available agent with the lowest id.
func (d *Directory) FirstAvailable() (api.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.available) == 0 {
		return api.Agent{}, false
	}
	return d.available[0], true
}

// RefreshedAt returns the time of the last successful refresh.
func (d *Directory) RefreshedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.refreshed
}

type agentNames []api.Agent

func (s agentNames) String(i int) string { return strings.ToLower(s[i].DisplayName()) }
func (s agentNames) Len() int            { return len(s) }

// FindByName returns agents whose display name matches query, best first.
// An exact case-insensitive match is returned alone.
func (d *Directory) FindByName(query string) []api.Agent {
	query = strings.TrimSpace(query)
	d.mu.RLock()
	agents := d.all
	d.mu.RUnlock()
	if query == "" || len(agents) == 0 {
		return nil
	}
	for _, a := range agents {
		if strings.EqualFold(a.DisplayName(), query) || strings.EqualFold(a.Name, query) {
			return []api.Agent{a}
		}
	}
	results := fuzzy.FindFrom(strings.ToLower(query), agentNames(agents))
	out := make([]api.Agent, 0, len(results))
	for _, r := range results {
		out = append(out, agents[r.Index])
	}
	return out
}

// FindAgents returns the available agents, or the agents matching query
// when it is non-empty.
func (b *Bridge) FindAgents(query string) []api.Agent {
	if strings.TrimSpace(query) == "" {
		return b.agents.Available()
	}
	return b.agents.FindByName(query)
}
