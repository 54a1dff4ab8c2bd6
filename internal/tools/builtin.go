package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// registerBuiltins installs the standard capability catalogue. Apart from
// the filesystem pair, handler bodies are stubs standing in for external
// integrations; the catalogue entries and risk tiers are the real
// contract here.
func registerBuiltins(a *Authority) {
	a.Register(Capability{
		Name:             "filesystem_read",
		Description:      "Read files from disk",
		RequiresApproval: false,
		RiskLevel:        RiskLow,
	}, filesystemRead)

	a.Register(Capability{
		Name:             "filesystem_write",
		Description:      "Write files to disk",
		RequiresApproval: true,
		RiskLevel:        RiskMedium,
	}, filesystemWrite)

	a.Register(Capability{
		Name:             "automation_execute",
		Description:      "Execute external automation scenarios",
		RequiresApproval: true,
		RiskLevel:        RiskMedium,
	}, stubHandler(map[string]any{"status": "queued", "message": "automation integration pending"}, "scenario_id"))

	a.Register(Capability{
		Name:             "email_send",
		Description:      "Send emails",
		RequiresApproval: true,
		RiskLevel:        RiskMedium,
	}, stubHandler(map[string]any{"status": "queued", "message": "email integration pending"}, "to", "subject"))

	a.Register(Capability{
		Name:             "calendar_schedule",
		Description:      "Schedule calendar events",
		RequiresApproval: false,
		RiskLevel:        RiskLow,
	}, stubHandler(map[string]any{"status": "scheduled", "message": "calendar integration pending"}, "title", "date"))

	a.Register(Capability{
		Name:             "database_query",
		Description:      "Query database (read-only)",
		RequiresApproval: false,
		RiskLevel:        RiskLow,
	}, stubHandler(map[string]any{"results": []any{}, "message": "database integration pending"}, "query"))

	a.Register(Capability{
		Name:             "database_write",
		Description:      "Write to database",
		RequiresApproval: true,
		RiskLevel:        RiskMedium,
	}, stubHandler(map[string]any{"status": "success", "message": "database integration pending"}, "table"))

	a.Register(Capability{
		Name:             "api_call",
		Description:      "Make external API calls",
		RequiresApproval: false,
		RiskLevel:        RiskLow,
	}, stubHandler(map[string]any{"status": 200, "message": "API integration pending"}, "url"))

	a.Register(Capability{
		Name:             "webhook_trigger",
		Description:      "Trigger webhook endpoints",
		RequiresApproval: true,
		RiskLevel:        RiskMedium,
	}, stubHandler(map[string]any{"status": "triggered", "message": "webhook integration pending"}, "url"))
}

// stubHandler validates required parameters and echoes them back merged
// with a canned response.
func stubHandler(response map[string]any, required ...string) Handler {
	return func(_ context.Context, params map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(response)+len(params))
		for _, key := range required {
			if _, ok := params[key]; !ok {
				return nil, fmt.Errorf("%s parameter required", key)
			}
		}
		for k, v := range params {
			out[k] = v
		}
		for k, v := range response {
			out[k] = v
		}
		return out, nil
	}
}

func filesystemRead(_ context.Context, params map[string]any) (map[string]any, error) {
	fp, ok := params["filepath"].(string)
	if !ok || fp == "" {
		return nil, fmt.Errorf("filepath parameter required")
	}
	content, err := os.ReadFile(fp)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fp, err)
	}
	return map[string]any{"filepath": fp, "content": string(content)}, nil
}

func filesystemWrite(_ context.Context, params map[string]any) (map[string]any, error) {
	fp, ok := params["filepath"].(string)
	if !ok || fp == "" {
		return nil, fmt.Errorf("filepath parameter required")
	}
	content, ok := params["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content parameter required")
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", fp, err)
	}
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", fp, err)
	}
	return map[string]any{"filepath": fp, "bytes_written": len(content)}, nil
}
