// Package advisor implements the LLM-backed assignment advisor and its
// provider clients.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"coordinator/pkg/agentdir"
	"coordinator/pkg/logx"
	"coordinator/pkg/orch"
	"coordinator/pkg/task"
)

// PromptClient sends one prompt to a model and returns its text response.
// Implementations wrap a provider SDK; they hold no conversation state.
type PromptClient interface {
	SendPrompt(ctx context.Context, prompt string) (string, error)
	ModelName() string
}

// rosterTokenBudget caps how much of the agent roster goes into a prompt.
// Oversized rosters are truncated rather than rejected.
const rosterTokenBudget = 2000

// LLMAdvisor implements orch.Advisor on top of a PromptClient.
type LLMAdvisor struct {
	client  PromptClient
	counter *TokenCounter
	logger  *logx.Logger
}

func New(client PromptClient) *LLMAdvisor {
	a := &LLMAdvisor{
		client:  client,
		counter: NewTokenCounter(),
		logger:  logx.NewLogger("advisor"),
	}
	a.logger.Info("Assignment advisor using model %s", client.ModelName())
	return a
}

// AnalyzeAssignment asks the model to recommend one agent for the task and
// parses its JSON answer. Errors are returned for the caller to fall back on;
// this method never picks an agent itself.
func (a *LLMAdvisor) AnalyzeAssignment(ctx context.Context, t *task.Task, candidates []*agentdir.Agent, workload *orch.ChannelWorkload) (*orch.AssignmentAnalysis, error) {
	prompt := a.assignmentPrompt(t, candidates, workload)

	raw, err := a.client.SendPrompt(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("assignment prompt failed: %w", err)
	}

	analysis, err := parseAnalysis(raw)
	if err != nil {
		return nil, fmt.Errorf("assignment response unparseable: %w", err)
	}
	a.logger.Debug("Advisor recommends %s for task %s (confidence %.2f)",
		analysis.RecommendedAgentID, t.ID, analysis.Confidence)
	return analysis, nil
}

// SelectParticipants asks the model to pick up to max agents from the
// numbered roster and parses a comma-separated list of 1-based indices.
func (a *LLMAdvisor) SelectParticipants(ctx context.Context, t *task.Task, candidates []*agentdir.Agent, max int) ([]int, error) {
	prompt := a.participantPrompt(t, candidates, max)

	raw, err := a.client.SendPrompt(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("participant prompt failed: %w", err)
	}
	indexes, err := parseIndexList(raw)
	if err != nil {
		return nil, fmt.Errorf("participant response unparseable: %w", err)
	}
	return indexes, nil
}

func (a *LLMAdvisor) assignmentPrompt(t *task.Task, candidates []*agentdir.Agent, workload *orch.ChannelWorkload) string {
	var b strings.Builder
	b.WriteString("You assign tasks to agents in a multi-agent coordination system.\n\n")
	fmt.Fprintf(&b, "Task: %s\nDescription: %s\nPriority: %s\n", t.Title, t.Description, t.Priority)
	if len(t.TargetAgentRoles) > 0 {
		fmt.Fprintf(&b, "Required roles: %s\n", strings.Join(t.TargetAgentRoles, ", "))
	}
	b.WriteString("\nCandidate agents:\n")
	b.WriteString(a.roster(candidates, workload))
	b.WriteString("\nRespond with only a JSON object:\n")
	b.WriteString(`{"recommendedAgentId": "<id>", "confidence": <0..1>, "reasoning": "<why>", "roleMatch": <bool>, "capabilityMatch": <bool>, "workloadScore": <0..1>}`)
	b.WriteString("\n")
	return b.String()
}

func (a *LLMAdvisor) participantPrompt(t *task.Task, candidates []*agentdir.Agent, max int) string {
	var b strings.Builder
	b.WriteString("You select participants for a channel-wide task in a multi-agent coordination system.\n\n")
	fmt.Fprintf(&b, "Task: %s\nDescription: %s\n", t.Title, t.Description)
	fmt.Fprintf(&b, "Select at most %d agents from this numbered roster:\n", max)
	b.WriteString(a.roster(candidates, nil))
	b.WriteString("\nRespond with only the numbers of the chosen agents, comma-separated (e.g. \"1,3\").\n")
	return b.String()
}

// roster renders candidates as a numbered list, truncated to the token
// budget so a large channel cannot blow up the prompt.
func (a *LLMAdvisor) roster(candidates []*agentdir.Agent, workload *orch.ChannelWorkload) string {
	var b strings.Builder
	for i, ag := range candidates {
		fmt.Fprintf(&b, "%d. %s", i+1, ag.ID)
		if ag.Name != "" && ag.Name != ag.ID {
			fmt.Fprintf(&b, " (%s)", ag.Name)
		}
		if len(ag.Roles) > 0 {
			fmt.Fprintf(&b, " roles=%s", strings.Join(ag.Roles, ","))
		}
		if workload != nil {
			if load, ok := workload.Agents[ag.ID]; ok {
				fmt.Fprintf(&b, " active_tasks=%d", load.Active)
				if load.Overloaded {
					b.WriteString(" OVERLOADED")
				}
			}
		}
		b.WriteString("\n")
	}
	return a.counter.TruncateToTokenLimit(b.String(), rosterTokenBudget)
}

// parseAnalysis extracts the JSON object from a model response that may wrap
// it in prose or a code fence.
func parseAnalysis(raw string) (*orch.AssignmentAnalysis, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var analysis orch.AssignmentAnalysis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &analysis); err != nil {
		return nil, err
	}
	if analysis.RecommendedAgentID == "" {
		return nil, fmt.Errorf("response missing recommendedAgentId")
	}
	if analysis.Confidence < 0 || analysis.Confidence > 1 {
		return nil, fmt.Errorf("confidence %f out of range", analysis.Confidence)
	}
	return &analysis, nil
}

// parseIndexList parses a comma-separated list of 1-based indices from a
// possibly chatty response. The first line containing digits is used.
func parseIndexList(raw string) ([]int, error) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.ContainsAny(line, "0123456789") {
			continue
		}
		var out []int
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(strings.Trim(part, "."))
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("bad index %q", part)
			}
			out = append(out, n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("no index list in response")
}
