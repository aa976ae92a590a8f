package orch

import (
	"context"

	"coordinator/pkg/agentdir"
	"coordinator/pkg/task"
)

// AssignmentAnalysis is the transient result of one assignment decision.
// It is produced per decision and never persisted.
type AssignmentAnalysis struct {
	RecommendedAgentID string  `json:"recommendedAgentId"`
	Confidence         float64 `json:"confidence"`
	Reasoning          string  `json:"reasoning"`
	RoleMatch          bool    `json:"roleMatch"`
	CapabilityMatch    bool    `json:"capabilityMatch"`
	WorkloadScore      float64 `json:"workloadScore"`
}

// Advisor is the optional LLM-backed assignment capability. A nil Advisor is
// always valid: every call site degrades to the deterministic fallback, so
// assignment never depends on a live model.
type Advisor interface {
	// AnalyzeAssignment recommends one agent from candidates for the task.
	AnalyzeAssignment(ctx context.Context, t *task.Task, candidates []*agentdir.Agent, workload *ChannelWorkload) (*AssignmentAnalysis, error)

	// SelectParticipants picks up to max agents from candidates for a
	// channel-wide task, returning 1-based indices into candidates as
	// numbered in the roster shown to the model.
	SelectParticipants(ctx context.Context, t *task.Task, candidates []*agentdir.Agent, max int) ([]int, error)
}
