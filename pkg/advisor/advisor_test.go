package advisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordinator/pkg/agentdir"
	"coordinator/pkg/task"
)

type cannedClient struct {
	response string
	err      error

	lastPrompt string
}

func (c *cannedClient) SendPrompt(_ context.Context, prompt string) (string, error) {
	c.lastPrompt = prompt
	return c.response, c.err
}

func (c *cannedClient) ModelName() string { return "canned" }

func testCandidates(ids ...string) []*agentdir.Agent {
	out := make([]*agentdir.Agent, len(ids))
	for i, id := range ids {
		out[i] = &agentdir.Agent{ID: id, Status: agentdir.StatusActive}
	}
	return out
}

func TestAnalyzeAssignmentParsesJSON(t *testing.T) {
	client := &cannedClient{response: `Here is my pick:
{"recommendedAgentId": "agent-b", "confidence": 0.85, "reasoning": "role match", "roleMatch": true, "capabilityMatch": false, "workloadScore": 0.4}
Hope that helps!`}
	adv := New(client)

	tk := &task.Task{Title: "fix flaky test", Description: "stabilize the retry suite", Priority: task.PriorityHigh}
	analysis, err := adv.AnalyzeAssignment(context.Background(), tk, testCandidates("agent-a", "agent-b"), nil)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", analysis.RecommendedAgentID)
	assert.InDelta(t, 0.85, analysis.Confidence, 1e-9)
	assert.True(t, analysis.RoleMatch)

	// The prompt carries the task and the numbered roster.
	assert.Contains(t, client.lastPrompt, "fix flaky test")
	assert.Contains(t, client.lastPrompt, "1. agent-a")
	assert.Contains(t, client.lastPrompt, "2. agent-b")
}

func TestAnalyzeAssignmentRejectsBadResponses(t *testing.T) {
	cases := map[string]string{
		"no json":            "I would pick agent-b.",
		"missing agent id":   `{"confidence": 0.9}`,
		"confidence too big": `{"recommendedAgentId": "a", "confidence": 1.5}`,
		"broken json":        `{"recommendedAgentId": }`,
	}
	for name, response := range cases {
		t.Run(name, func(t *testing.T) {
			adv := New(&cannedClient{response: response})
			_, err := adv.AnalyzeAssignment(context.Background(), &task.Task{Title: "t", Description: "d"}, testCandidates("a"), nil)
			assert.Error(t, err)
		})
	}
}

func TestAnalyzeAssignmentPropagatesClientError(t *testing.T) {
	adv := New(&cannedClient{err: errors.New("rate limited")})
	_, err := adv.AnalyzeAssignment(context.Background(), &task.Task{Title: "t", Description: "d"}, testCandidates("a"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestSelectParticipantsParsesIndexList(t *testing.T) {
	adv := New(&cannedClient{response: "1, 3"})
	tk := &task.Task{Title: "t", Description: "d"}

	indexes, err := adv.SelectParticipants(context.Background(), tk, testCandidates("a", "b", "c"), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, indexes)
}

func TestSelectParticipantsSkipsChattyPreamble(t *testing.T) {
	adv := New(&cannedClient{response: "Sure thing.\nMy picks:\n2, 3.\n"})
	tk := &task.Task{Title: "t", Description: "d"}

	// The preamble lines contain no digits; the first numeric line wins.
	indexes, err := adv.SelectParticipants(context.Background(), tk, testCandidates("a", "b", "c"), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, indexes)
}

func TestSelectParticipantsRejectsNonNumeric(t *testing.T) {
	adv := New(&cannedClient{response: "agents 1 and 3"})
	tk := &task.Task{Title: "t", Description: "d"}

	_, err := adv.SelectParticipants(context.Background(), tk, testCandidates("a", "b", "c"), 2)
	assert.Error(t, err)
}

func TestParseIndexListEmptyResponse(t *testing.T) {
	_, err := parseIndexList("\n\n")
	assert.Error(t, err)
}

func TestTokenCounterTruncation(t *testing.T) {
	tc := NewTokenCounter()

	short := "hello"
	assert.Equal(t, short, tc.TruncateToTokenLimit(short, 100))

	long := strings.Repeat("alpha beta gamma delta ", 2000)
	truncated := tc.TruncateToTokenLimit(long, 50)
	assert.Less(t, len(truncated), len(long))
	assert.True(t, strings.HasSuffix(truncated, "..."))
	assert.LessOrEqual(t, tc.CountTokens(truncated), 60)
}

func TestRosterTruncatesOversizedChannels(t *testing.T) {
	adv := New(&cannedClient{response: `{"recommendedAgentId": "agent-0", "confidence": 0.8}`})

	var ids []string
	for i := 0; i < 3000; i++ {
		ids = append(ids, "agent-"+strings.Repeat("x", 20))
	}
	roster := adv.roster(testCandidates(ids...), nil)
	assert.LessOrEqual(t, adv.counter.CountTokens(roster), rosterTokenBudget+100)
}
