package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/model"
	"github.com/odvcencio/warden/pkg/tool"
	"github.com/odvcencio/warden/pkg/workflow"
)

// demoTools returns canned evidence sources so the pipeline can be
// exercised without live observability backends. Deployments replace
// these with real metric, log, and trace integrations.
func demoTools() *tool.Registry {
	return tool.NewRegistry(
		tool.Func{
			ToolName: "metrics",
			Desc:     "Queries service metrics for error rates and latency",
			Fn: func(ctx context.Context, input map[string]any) (*tool.Result, error) {
				service, _ := input["service"].(string)
				if service == "" {
					service = "checkout"
				}
				return &tool.Result{
					Content: fmt.Sprintf("%s: error rate 12%%, p99 latency 2.4s over the last 15m", service),
				}, nil
			},
		},
		tool.Func{
			ToolName: "logs",
			Desc:     "Searches recent error logs",
			Fn: func(ctx context.Context, input map[string]any) (*tool.Result, error) {
				return &tool.Result{
					Content: "47 occurrences of 'connection pool exhausted' in the last 15m",
				}, nil
			},
		},
		tool.Func{
			ToolName: "traces",
			Desc:     "Samples slow traces for the affected endpoints",
			Fn: func(ctx context.Context, input map[string]any) (*tool.Result, error) {
				return &tool.Result{
					Content: "slowest spans concentrated in db.query, avg 1.9s",
				}, nil
			},
		},
	)
}

var incidentKeywords = []string{"down", "outage", "error", "latency", "failing", "5xx", "timeout"}

// newDemoSynthesizer returns a keyword-driven synthesizer used when no
// LLM provider is configured. Confidence scales with how much evidence
// actually came back.
func newDemoSynthesizer() model.Client {
	return model.Func(func(ctx context.Context, req *model.SynthesisRequest) (*model.Synthesis, error) {
		var collected int
		for _, item := range req.Evidence {
			if item.Err == "" && item.Content != "" {
				collected++
			}
		}

		confidence := 0.5
		if len(req.Evidence) > 0 {
			confidence = 0.5 + 0.45*float64(collected)/float64(len(req.Evidence))
		}

		synthesis := &model.Synthesis{
			Summary: "Automated triage of: " + req.Summary,
			Hypotheses: []model.Hypothesis{
				{
					Rank:        1,
					Description: "Resource saturation in the primary dependency",
					Confidence:  confidence,
				},
			},
		}

		lower := strings.ToLower(req.Summary)
		for _, kw := range incidentKeywords {
			if strings.Contains(lower, kw) {
				synthesis.ProposedAction = &model.ProposedAction{
					Type:        model.ActionIncident,
					Title:       "Open incident: " + truncate(req.Summary, 80),
					Description: "Automated triage found supporting evidence; open an incident and page the owning team.",
					Severity:    "high",
					NextSteps:   []string{"confirm blast radius", "page owning team"},
				}
				break
			}
		}

		return synthesis, nil
	})
}

// newDemoExecutor logs approved actions instead of touching an incident
// tracker.
func newDemoExecutor(logger *logging.Logger) workflow.ActionExecutor {
	return workflow.ActionExecutorFunc(func(ctx context.Context, requestID string, action *model.ProposedAction) (*workflow.ActionResult, error) {
		if logger != nil {
			logger.Info(logging.CategoryTool, "action_executed", action.Title, map[string]any{
				"request_id":  requestID,
				"action_type": string(action.Type),
			})
		}
		return &workflow.ActionResult{
			Executed: true,
			Detail:   fmt.Sprintf("%s recorded at %s", action.Type, time.Now().UTC().Format(time.RFC3339)),
		}, nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
