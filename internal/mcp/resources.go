package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arbiterhq/arbiter/internal/model"
)

func (s *Server) registerResources() {
	// arbiter://workflows/recent: recently updated workflows.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"arbiter://workflows/recent",
			"Recent Workflows",
			mcplib.WithResourceDescription("The most recently updated workflows across all tenants"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentWorkflows,
	)

	// arbiter://workflow/{id}/timeline: one workflow's decision history.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"arbiter://workflow/{id}/timeline",
			"Decision Timeline",
			mcplib.WithTemplateDescription("Full decision history for a specific workflow, overrides included"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTimelineResource,
	)
}

func (s *Server) handleRecentWorkflows(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	workflows, total, err := s.svc.List(ctx, model.WorkflowFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent workflows: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"workflows": workflows,
		"total":     total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal workflows: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "arbiter://workflows/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleTimelineResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	// Extract the workflow id from arbiter://workflow/{id}/timeline.
	uri := request.Params.URI
	workflowID := strings.TrimSuffix(strings.TrimPrefix(uri, "arbiter://workflow/"), "/timeline")
	if workflowID == "" || workflowID == uri || strings.Contains(workflowID, "/") {
		return nil, fmt.Errorf("mcp: invalid timeline URI: %s", uri)
	}

	timeline, err := s.svc.Timeline(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("mcp: timeline for %s: %w", workflowID, err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"workflow_id": workflowID,
		"decisions":   timeline,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal timeline: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
