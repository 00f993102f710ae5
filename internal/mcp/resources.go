package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/spigot/internal/ratelimit"
	"github.com/faucetdb/spigot/internal/service"
)

// PolicyURI identifies the security policy resource.
const PolicyURI = "spigot://security/policy"

// Policy is the effective security configuration published as a resource.
type Policy struct {
	Lockout    service.LockoutPolicy
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	CSRFTTL    time.Duration
	RateLimits []ratelimit.Policy
	// RateLimitEnabled is false when the server runs without rate limiting.
	RateLimitEnabled bool
}

type policyDoc struct {
	Lockout struct {
		Threshold int    `json:"threshold"`
		Duration  string `json:"duration"`
	} `json:"lockout"`
	Tokens struct {
		AccessTTL  string `json:"accessTtl"`
		RefreshTTL string `json:"refreshTtl"`
	} `json:"tokens"`
	CSRFTTL   string `json:"csrfTtl"`
	RateLimit struct {
		Enabled  bool         `json:"enabled"`
		Policies []policyRate `json:"policies"`
	} `json:"rateLimit"`
}

type policyRate struct {
	Name   string `json:"name"`
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

func (p Policy) document() policyDoc {
	var doc policyDoc
	doc.Lockout.Threshold = p.Lockout.Threshold
	doc.Lockout.Duration = p.Lockout.Duration.String()
	doc.Tokens.AccessTTL = p.AccessTTL.String()
	doc.Tokens.RefreshTTL = p.RefreshTTL.String()
	doc.CSRFTTL = p.CSRFTTL.String()
	doc.RateLimit.Enabled = p.RateLimitEnabled
	doc.RateLimit.Policies = make([]policyRate, len(p.RateLimits))
	for i, r := range p.RateLimits {
		doc.RateLimit.Policies[i] = policyRate{Name: r.Name, Limit: r.Limit, Window: r.Window.String()}
	}
	return doc
}

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			PolicyURI,
			"Security Policy",
			mcp.WithResourceDescription(
				"Lockout threshold and duration, token lifetimes, CSRF lease lifetime "+
					"and rate-limit policies currently enforced.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handlePolicyResource,
	)
}

func (s *MCPServer) handlePolicyResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(s.policy.document(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      PolicyURI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
