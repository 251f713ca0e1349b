package unifi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Policy is one firewall policy, passed through to the frontend unmodified.
type Policy = json.RawMessage

type policyPage struct {
	Data       []Policy `json:"data"`
	TotalCount int      `json:"totalCount"`
}

// FirewallZones fetches all firewall zones.
func (c *Client) FirewallZones(ctx context.Context) ([]json.RawMessage, error) {
	var zones struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.integrationSiteGet(ctx, "/firewall/zones", &zones); err != nil {
		return nil, err
	}
	return zones.Data, nil
}

// FirewallPolicies fetches every policy, following totalCount pagination.
func (c *Client) FirewallPolicies(ctx context.Context) ([]Policy, error) {
	var all []Policy
	offset := 0
	const limit = 50
	for {
		var page policyPage
		path := fmt.Sprintf("/firewall/policies?offset=%d&limit=%d", offset, limit)
		if err := c.integrationSiteGet(ctx, path, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if offset+len(page.Data) >= page.TotalCount || len(page.Data) == 0 {
			break
		}
		offset += len(page.Data)
	}
	return all, nil
}

// FirewallData bundles policies and zones with logging counts for the
// frontend.
type FirewallData struct {
	Policies        []Policy          `json:"policies"`
	Zones           []json.RawMessage `json:"zones"`
	TotalCount      int               `json:"totalCount"`
	LoggingEnabled  int               `json:"loggingEnabled"`
	LoggingDisabled int               `json:"loggingDisabled"`
}

// GetFirewallData fetches policies and zones in one call.
func (c *Client) GetFirewallData(ctx context.Context) (*FirewallData, error) {
	policies, err := c.FirewallPolicies(ctx)
	if err != nil {
		return nil, err
	}
	zones, err := c.FirewallZones(ctx)
	if err != nil {
		return nil, err
	}

	enabled := 0
	for _, p := range policies {
		var probe struct {
			LoggingEnabled bool `json:"loggingEnabled"`
		}
		if json.Unmarshal(p, &probe) == nil && probe.LoggingEnabled {
			enabled++
		}
	}
	return &FirewallData{
		Policies:        policies,
		Zones:           zones,
		TotalCount:      len(policies),
		LoggingEnabled:  enabled,
		LoggingDisabled: len(policies) - enabled,
	}, nil
}

// PatchPolicyLogging flips loggingEnabled on one policy.
func (c *Client) PatchPolicyLogging(ctx context.Context, policyID string, loggingEnabled bool) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.integrationSitePatch(ctx, "/firewall/policies/"+policyID,
		map[string]bool{"loggingEnabled": loggingEnabled}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LoggingUpdate is one entry in a bulk logging change.
type LoggingUpdate struct {
	ID             string `json:"id"`
	LoggingEnabled *bool  `json:"loggingEnabled"`
}

// BulkError reports one failed policy in a bulk update.
type BulkError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult summarises a bulk logging update.
type BulkResult struct {
	Total   int         `json:"total"`
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Skipped int         `json:"skipped"`
	Errors  []BulkError `json:"errors"`
}

// BulkPatchLogging applies logging changes one policy at a time, pacing
// requests 100ms apart to stay controller-friendly. Error details cap at 20.
func (c *Client) BulkPatchLogging(ctx context.Context, updates []LoggingUpdate) (*BulkResult, error) {
	res := &BulkResult{Total: len(updates), Errors: []BulkError{}}
	for _, u := range updates {
		if u.LoggingEnabled == nil {
			res.Skipped++
			continue
		}
		if _, err := c.PatchPolicyLogging(ctx, u.ID, *u.LoggingEnabled); err != nil {
			res.Failed++
			if len(res.Errors) < 20 {
				res.Errors = append(res.Errors, BulkError{ID: u.ID, Error: err.Error()})
			}
		} else {
			res.Success++
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return res, nil
}
