package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/service/decisions"
	"github.com/arbiterhq/arbiter/internal/storage"
)

func (s *Server) registerTools() {
	// arbiter_workflow: inspect one workflow's projection.
	s.mcpServer.AddTool(
		mcplib.NewTool("arbiter_workflow",
			mcplib.WithDescription(`Inspect a workflow's current projection: state, accumulated signals, version, and the current decision pointer.

WHEN TO USE: As the first step of any investigation. The projection tells
you where the workflow is in its lifecycle (pending, signals_collected,
risk_evaluated, finalised, superseded) and which signals have arrived.

For the authoritative outcome use arbiter_current_decision; for the full
override history use arbiter_decision_timeline.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workflow_id",
				mcplib.Description("The workflow to inspect"),
				mcplib.Required(),
			),
		),
		s.handleWorkflow,
	)

	// arbiter_current_decision: the authoritative decision for a workflow.
	s.mcpServer.AddTool(
		mcplib.NewTool("arbiter_current_decision",
			mcplib.WithDescription(`Get the authoritative decision for a workflow.

WHEN TO USE: When you need the single decision that currently stands:
the latest override if one exists, otherwise the original service
decision. This is the same record downstream consumers received as
decision.finalised.

Returns an error if the workflow has not finalised yet.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workflow_id",
				mcplib.Description("The workflow whose decision to fetch"),
				mcplib.Required(),
			),
		),
		s.handleCurrentDecision,
	)

	// arbiter_decision_timeline: full decision history with lineage.
	s.mcpServer.AddTool(
		mcplib.NewTool("arbiter_decision_timeline",
			mcplib.WithDescription(`Get a workflow's complete decision history in append order.

WHEN TO USE: When investigating how an outcome came to be. Every decision
ever made for the workflow is returned, including superseded ones;
nothing is edited or deleted. Each entry is annotated with is_current and
superseded_by so the override chain reads top to bottom.

EXAMPLE: A workflow that was approved by the service and later declined
by an analyst returns two entries: the approval (superseded_by the
override's id) and the override (is_current=true).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workflow_id",
				mcplib.Description("The workflow whose history to fetch"),
				mcplib.Required(),
			),
		),
		s.handleDecisionTimeline,
	)

	// arbiter_list_workflows: filtered workflow listing.
	s.mcpServer.AddTool(
		mcplib.NewTool("arbiter_list_workflows",
			mcplib.WithDescription(`List workflows with structured filters, most recently updated first.

WHEN TO USE: To find workflows worth investigating: everything stuck in
risk_evaluated, everything a tenant finalised today, or simply the most
recent activity.

FILTER EXAMPLES:
- Stuck workflows: state="risk_evaluated"
- One tenant's backlog: tenant_id="tenant_au", state="pending"
- Overrides interrupted mid-apply: state="superseded"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tenant_id",
				mcplib.Description("Optional: only workflows belonging to this tenant"),
			),
			mcplib.WithString("state",
				mcplib.Description("Optional: filter by workflow state (pending, signals_collected, risk_evaluated, finalised, superseded)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(decisions.MaxLimit),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Results to skip, for paging"),
				mcplib.Min(0),
			),
		),
		s.handleListWorkflows,
	)
}

func (s *Server) handleWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	if workflowID == "" {
		return errorResult("workflow_id is required"), nil
	}

	wf, err := s.svc.Workflow(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("workflow %s not found", workflowID)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("load workflow failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(wf, "", "  ")
	return textResult(data), nil
}

func (s *Server) handleCurrentDecision(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	if workflowID == "" {
		return errorResult("workflow_id is required"), nil
	}

	d, err := s.svc.Current(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("workflow %s has no finalised decision", workflowID)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("load decision failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(d, "", "  ")
	return textResult(data), nil
}

func (s *Server) handleDecisionTimeline(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	if workflowID == "" {
		return errorResult("workflow_id is required"), nil
	}

	timeline, err := s.svc.Timeline(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("workflow %s not found", workflowID)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("load timeline failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"workflow_id": workflowID,
		"decisions":   timeline,
		"total":       len(timeline),
	}, "", "  ")
	return textResult(data), nil
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := model.WorkflowFilter{
		TenantID: request.GetString("tenant_id", ""),
		State:    model.WorkflowState(request.GetString("state", "")),
		Limit:    request.GetInt("limit", 20),
		Offset:   request.GetInt("offset", 0),
	}

	workflows, total, err := s.svc.List(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("list workflows failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"workflows": workflows,
		"total":     total,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	}, "", "  ")
	return textResult(data), nil
}
