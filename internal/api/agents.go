package api

import (
	"context"
	"net/http"
)

// List retrieves all agents in the account.
func (s AgentsService) List(ctx context.Context) ([]Agent, error) {
	return listAgents(ctx, s)
}

func listAgents(ctx context.Context, r Requester) ([]Agent, error) {
	raw, err := r.doRaw(ctx, http.MethodGet, r.accountPath("/agents"), nil)
	if err != nil {
		return nil, err
	}
	agents, _, err := decodeList[Agent](raw, agentListShapes)
	if err != nil {
		return nil, err
	}
	return agents, nil
}
