package clients

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/config"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/jira"
)

// JiraProvider hands out one Jira client per site.
type JiraProvider struct {
	tokens jira.TokenProvider
	log    *zap.Logger

	mu      sync.Mutex
	clients map[string]*jira.Client
}

func NewJiraProvider(cfg *config.Config, log *zap.Logger) *JiraProvider {
	return &JiraProvider{
		tokens:  jira.StaticToken(cfg.JiraAPIToken),
		log:     log,
		clients: make(map[string]*jira.Client),
	}
}

// NewJiraProviderWithTokens builds a provider around a custom token scheme.
func NewJiraProviderWithTokens(tokens jira.TokenProvider, log *zap.Logger) *JiraProvider {
	return &JiraProvider{
		tokens:  tokens,
		log:     log,
		clients: make(map[string]*jira.Client),
	}
}

func (p *JiraProvider) ClientFor(jiraHost string) (*jira.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[jiraHost]; ok {
		return client, nil
	}
	client := jira.NewClient(jiraHost, p.tokens, p.log)
	p.clients[jiraHost] = client
	return client, nil
}
