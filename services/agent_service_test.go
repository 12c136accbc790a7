package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChat replays a fixed sequence of model turns and records every
// request it receives.
type scriptedChat struct {
	turns []*ChatTurn
	err   error
	calls [][]ChatMessage
}

func (c *scriptedChat) Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*ChatTurn, error) {
	c.calls = append(c.calls, append([]ChatMessage(nil), messages...))
	if c.err != nil {
		return nil, c.err
	}
	if len(c.turns) == 0 {
		return &ChatTurn{Content: "done"}, nil
	}
	t := c.turns[0]
	c.turns = c.turns[1:]
	return t, nil
}

type fakeSearcher struct {
	calls   []SearchParams
	payload string
	err     error
}

func (f *fakeSearcher) ExecuteSearch(ctx context.Context, p SearchParams, includeDetails bool) (*SearchResult, error) {
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	return &SearchResult{
		SearchResponseID: 1,
		Search:           ResponsePayload{Status: 200, Data: json.RawMessage(f.payload)},
	}, nil
}

type fakeNotifier struct {
	pushes int
	data   map[string]string
}

func (f *fakeNotifier) PushToUser(userID uint, title, body string, data map[string]string) {
	f.pushes++
	f.data = data
}

func callTool(id, name, args string) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: ToolCallFunction{Name: name, Arguments: args}}
}

func newTestAgent(chat ChatCompleter, search foodSearcher) (*AgentService, SessionStore) {
	store := NewMemorySessionStore()
	return NewAgentService(store, chat, search, 8*time.Hour), store
}

func userTurn(msg string) TurnAction {
	return TurnAction{Type: "user-message", Message: msg}
}

func TestProcessTurnPlainReply(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{{Content: "Hi! What did you eat?"}}}
	agent, _ := newTestAgent(chat, &fakeSearcher{})
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("hello"))
	require.NoError(t, err)

	assert.Equal(t, StatusReady, res.Status)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "assistant", res.Events[0].Type)
	assert.Equal(t, "Hi! What did you eat?", res.Events[0].Text)

	// History keeps both sides; the system prompt is rebuilt per call, not stored.
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "user", sess.Messages[0].Role)
	assert.Equal(t, "assistant", sess.Messages[1].Role)
	require.Len(t, chat.calls, 1)
	assert.Equal(t, "system", chat.calls[0][0].Role)
}

func TestProcessTurnSearchAssignsResultIDs(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{
		{ToolCalls: []ToolCall{callTool("tc1", "searchFoods", `{"query":"banana"}`)}},
		{Content: "Found a couple of options."},
	}}
	search := &fakeSearcher{payload: searchPayloadFor([2]string{"10", "1"}, [2]string{"11", "1"})}
	agent, _ := newTestAgent(chat, search)
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("I had a banana"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)

	var searchEvent *AgentEvent
	for i := range res.Events {
		if res.Events[i].Type == "search" {
			searchEvent = &res.Events[i]
		}
	}
	require.NotNil(t, searchEvent, "no search event in %+v", res.Events)
	require.Len(t, searchEvent.Results, 2)
	assert.Equal(t, "r1", searchEvent.Results[0].ResultID)
	assert.Equal(t, "r2", searchEvent.Results[1].ResultID)
	assert.Contains(t, sess.Results, "r1")
	assert.Contains(t, sess.Results, "r2")

	// The tool result handed back to the model carries the same ids.
	require.Len(t, chat.calls, 2)
	last := chat.calls[1][len(chat.calls[1])-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "tc1", last.ToolCallID)
	assert.Contains(t, last.Content, `"r1"`)
	assert.Contains(t, last.Content, `"count":2`)

	require.Len(t, search.calls, 1)
	assert.Equal(t, "banana", search.calls[0].Query)
	assert.Equal(t, "US", search.calls[0].CountryCode)
	assert.Equal(t, "food", search.calls[0].ResourceType)
	assert.Equal(t, 12, search.calls[0].MaxItems)
}

func TestProcessTurnRejectsShortQuery(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{
		{ToolCalls: []ToolCall{callTool("tc1", "searchFoods", `{"query":" a "}`)}},
		{Content: "Could you be more specific?"},
	}}
	search := &fakeSearcher{}
	agent, _ := newTestAgent(chat, search)
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("log it"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)

	assert.Empty(t, search.calls, "upstream must not be hit for an invalid query")
	last := chat.calls[1][len(chat.calls[1])-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "at least 2 characters")
}

func TestProcessTurnUnknownToolFeedsErrorBack(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{
		{ToolCalls: []ToolCall{callTool("tc1", "logMeal", `{}`)}},
		{Content: "Sorry, let me try again."},
	}}
	agent, _ := newTestAgent(chat, &fakeSearcher{})
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("hi"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)

	require.Len(t, chat.calls, 2)
	last := chat.calls[1][len(chat.calls[1])-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, `unknown tool \"logMeal\"`)
}

func TestProcessTurnToolFailureLeavesHistoryConsistent(t *testing.T) {
	// Malformed tool-call arguments fail at loop level; the assistant message
	// carrying the call is already stored, so the call still needs a reply.
	chat := &scriptedChat{turns: []*ChatTurn{
		{ToolCalls: []ToolCall{callTool("tc1", "searchFoods", `{"query":`)}},
		{Content: "Sorry, let me try again."},
	}}
	agent, _ := newTestAgent(chat, &fakeSearcher{})
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("banana"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
	require.NotEmpty(t, res.Events)
	assert.Equal(t, "error", res.Events[len(res.Events)-1].Type)

	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "tc1", last.ToolCallID)
	assert.Contains(t, last.Content, "invalid searchFoods arguments")

	// The replayed history is well formed, so the next turn proceeds.
	res, err = agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("try again"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "assistant", res.Events[0].Type)
}

func TestProcessTurnToolFailureAnswersAllPendingCalls(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{
		{ToolCalls: []ToolCall{
			callTool("tc1", "searchFoods", `{"query":"rice"}`),
			callTool("tc2", "searchFoods", `{"query":"beans"}`),
		}},
	}}
	search := &fakeSearcher{err: errors.New("cache unavailable")}
	agent, _ := newTestAgent(chat, search)
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("rice and beans"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)

	replies := make(map[string]string)
	for _, m := range sess.Messages {
		if m.Role == "tool" {
			replies[m.ToolCallID] = m.Content
		}
	}
	require.Len(t, replies, 2)
	assert.Contains(t, replies["tc1"], "cache unavailable")
	assert.Contains(t, replies["tc2"], "cache unavailable")
}

func TestProcessTurnModelFailureLeavesSessionReady(t *testing.T) {
	chat := &scriptedChat{err: errors.New("upstream 503")}
	agent, _ := newTestAgent(chat, &fakeSearcher{})
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("hello"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "error", res.Events[0].Type)

	// The next turn still works once the model recovers.
	chat.err = nil
	chat.turns = []*ChatTurn{{Content: "back"}}
	res, err = agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("retry"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
}

func TestProcessTurnHitsTurnCap(t *testing.T) {
	// The model never stops calling tools; the loop must give up at the cap.
	chat := &scriptedChat{}
	for i := 0; i < maxAgentTurns+4; i++ {
		chat.turns = append(chat.turns, &ChatTurn{
			ToolCalls: []ToolCall{callTool(fmt.Sprintf("tc%d", i), "searchFoods", `{"query":"toast"}`)},
		})
	}
	search := &fakeSearcher{payload: searchPayloadFor([2]string{"1", "1"})}
	agent, _ := newTestAgent(chat, search)
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("toast"))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
	assert.Len(t, chat.calls, maxAgentTurns)
}

func TestProcessTurnSessionOwnership(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{{Content: "hi"}}}
	agent, _ := newTestAgent(chat, &fakeSearcher{})
	sess := agent.StartSession(1)

	_, err := agent.ProcessTurn(context.Background(), sess.ID, 2, userTurn("hello"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = agent.ProcessTurn(context.Background(), "nope", 1, userTurn("hello"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestProcessTurnRejectsBadActions(t *testing.T) {
	agent, _ := newTestAgent(&scriptedChat{}, &fakeSearcher{})
	sess := agent.StartSession(1)

	_, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("   "))
	assert.ErrorIs(t, err, ErrBadTurnAction)

	_, err = agent.ProcessTurn(context.Background(), sess.ID, 1, TurnAction{Type: "telemetry"})
	assert.ErrorIs(t, err, ErrBadTurnAction)
}

// startApprovalSession runs a turn where the model searches and then asks for
// approvals, leaving the session paused on a two-suggestion batch.
func startApprovalSession(t *testing.T, chat *scriptedChat) (*AgentService, *Session, *fakeNotifier, *AgentEvent) {
	t.Helper()

	chat.turns = []*ChatTurn{
		{ToolCalls: []ToolCall{callTool("tc1", "searchFoods", `{"query":"banana"}`)}},
		{ToolCalls: []ToolCall{callTool("tc2", "requestFoodApprovals", `{"suggestions":[
			{"result_id":"r1","meal":"breakfast","portion":1,"reason":"you mentioned a banana"},
			{"result_id":"r2","meal":"breakfast","portion":0.5,"reason":"half a second one"}
		]}`)}},
		{Content: "Logged, anything else?"},
	}
	search := &fakeSearcher{payload: searchPayloadFor([2]string{"10", "1"}, [2]string{"11", "1"})}
	agent, _ := newTestAgent(chat, search)
	notifier := &fakeNotifier{}
	agent.SetApprovalNotifier(notifier)
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("banana for breakfast"))
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, res.Status)

	var approvalEvent *AgentEvent
	for i := range res.Events {
		if res.Events[i].Type == "approval" {
			approvalEvent = &res.Events[i]
		}
	}
	require.NotNil(t, approvalEvent, "no approval event in %+v", res.Events)
	require.Len(t, approvalEvent.Suggestions, 2)
	return agent, sess, notifier, approvalEvent
}

func TestApprovalPauseRegistersBatch(t *testing.T) {
	chat := &scriptedChat{}
	_, sess, notifier, event := startApprovalSession(t, chat)

	assert.Equal(t, "tc2", event.ToolCallID)
	assert.Contains(t, sess.PendingApprovals, "tc2")
	assert.Equal(t, 1, notifier.pushes)
	assert.Equal(t, "tc2", notifier.data["tool_call_id"])

	// The paused tool call gets no synthetic tool message; the last stored
	// message is still the assistant turn that requested approvals.
	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, "assistant", last.Role)
	assert.Len(t, chat.calls, 2)
}

func TestPartialApprovalKeepsWaiting(t *testing.T) {
	chat := &scriptedChat{}
	agent, sess, _, event := startApprovalSession(t, chat)
	callsBefore := len(chat.calls)

	approved := true
	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, TurnAction{
		Type: "approval", ToolCallID: "tc2",
		SuggestionID: event.Suggestions[0].ID, Approved: &approved,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusAwaitingApproval, res.Status)
	assert.Empty(t, res.Events)
	assert.Len(t, chat.calls, callsBefore, "model must not run on a partial batch")
}

func TestFullApprovalResumesLoop(t *testing.T) {
	chat := &scriptedChat{}
	agent, sess, _, event := startApprovalSession(t, chat)

	approved, rejected := true, false
	_, err := agent.ProcessTurn(context.Background(), sess.ID, 1, TurnAction{
		Type: "approval", ToolCallID: "tc2",
		SuggestionID: event.Suggestions[0].ID, Approved: &approved,
	})
	require.NoError(t, err)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, TurnAction{
		Type: "approval", ToolCallID: "tc2",
		SuggestionID: event.Suggestions[1].ID, Approved: &rejected, Reason: "already ate it",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusReady, res.Status)
	assert.NotContains(t, sess.PendingApprovals, "tc2")

	// The decisions reach the model as the tool result for tc2.
	require.Len(t, chat.calls, 3)
	last := chat.calls[2][len(chat.calls[2])-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "tc2", last.ToolCallID)
	assert.Contains(t, last.Content, `"approved":true`)
	assert.Contains(t, last.Content, "already ate it")
}

func TestApprovalDecisionsAreImmutable(t *testing.T) {
	chat := &scriptedChat{}
	agent, sess, _, event := startApprovalSession(t, chat)

	approved := true
	_, err := agent.ProcessTurn(context.Background(), sess.ID, 1, TurnAction{
		Type: "approval", ToolCallID: "tc2",
		SuggestionID: event.Suggestions[0].ID, Approved: &approved,
	})
	require.NoError(t, err)

	rejected := false
	_, err = agent.ProcessTurn(context.Background(), sess.ID, 1, TurnAction{
		Type: "approval", ToolCallID: "tc2",
		SuggestionID: event.Suggestions[0].ID, Approved: &rejected,
	})
	assert.ErrorIs(t, err, ErrSuggestionResolved)
	assert.True(t, event.Suggestions[0].Resolution.Approved, "first decision must stand")

	_, err = agent.ProcessTurn(context.Background(), sess.ID, 1, TurnAction{
		Type: "approval", ToolCallID: "tc9",
		SuggestionID: event.Suggestions[0].ID, Approved: &approved,
	})
	assert.ErrorIs(t, err, ErrApprovalNotFound)

	_, err = agent.ProcessTurn(context.Background(), sess.ID, 1, TurnAction{
		Type: "approval", ToolCallID: "tc2",
		SuggestionID: "ghost", Approved: &approved,
	})
	assert.ErrorIs(t, err, ErrSuggestionNotFound)

	// None of the failed attempts may resume or drop the batch.
	assert.Contains(t, sess.PendingApprovals, "tc2")
}

func TestApprovalBatchRejectsUnknownIDs(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{
		{ToolCalls: []ToolCall{callTool("tc1", "searchFoods", `{"query":"banana"}`)}},
		{ToolCalls: []ToolCall{callTool("tc2", "requestFoodApprovals", `{"suggestions":[
			{"result_id":"r1","meal":"lunch","portion":1,"reason":"ok"},
			{"result_id":"r99","meal":"lunch","portion":1,"reason":"made up"}
		]}`)}},
		{Content: "My mistake."},
	}}
	search := &fakeSearcher{payload: searchPayloadFor([2]string{"10", "1"})}
	agent, _ := newTestAgent(chat, search)
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("banana"))
	require.NoError(t, err)

	// One bad id poisons the whole batch; nothing is registered and the loop
	// continues with the error payload.
	assert.Equal(t, StatusReady, res.Status)
	assert.Empty(t, sess.PendingApprovals)
	require.Len(t, chat.calls, 3)
	last := chat.calls[2][len(chat.calls[2])-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "unknown result IDs: r99")
}

func TestApprovalBatchDeduplicatesAndDropsEmptyReasons(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{
		{ToolCalls: []ToolCall{callTool("tc1", "searchFoods", `{"query":"banana"}`)}},
		{ToolCalls: []ToolCall{callTool("tc2", "requestFoodApprovals", `{"suggestions":[
			{"result_id":"r1","meal":"snack","portion":1.01,"reason":"a banana"},
			{"result_id":"r1","meal":"snack","portion":0.99,"reason":"same banana again"},
			{"result_id":"r1","meal":"dinner","portion":1,"reason":"  "}
		]}`)}},
	}}
	search := &fakeSearcher{payload: searchPayloadFor([2]string{"10", "1"})}
	agent, _ := newTestAgent(chat, search)
	sess := agent.StartSession(1)

	res, err := agent.ProcessTurn(context.Background(), sess.ID, 1, userTurn("banana"))
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, res.Status)

	// Both portions snap to 1.0, making the first two suggestions identical;
	// the blank-reason one is dropped outright.
	batch := sess.PendingApprovals["tc2"]
	require.Len(t, batch, 1)
	assert.Equal(t, 1.0, batch[0].Portion)
	assert.Equal(t, "a banana", batch[0].Reason)
}

func TestSanitizePortion(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{1, 1},
		{0.25, 0.25},
		{0.26, 0.25},
		{1.37, 1.25},
		{1.125, 1.25},
		{1.375, 1.5},
		{0, 0.25},
		{-3, 0.25},
		{0.1, 0.25},
		{2.6, 2.5},
	}
	for _, tc := range cases {
		if got := sanitizePortion(tc.in); got != tc.want {
			t.Fatalf("sanitizePortion(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSanitizePortionNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if got := sanitizePortion(v); got != 0.25 {
			t.Fatalf("sanitizePortion(%v) = %v, want 0.25", v, got)
		}
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	chat := &scriptedChat{turns: []*ChatTurn{
		{ToolCalls: []ToolCall{callTool("tc1", "searchFoods", `{"query":"banana"}`)}},
		{Content: "ok"},
		{ToolCalls: []ToolCall{callTool("tc2", "requestFoodApprovals",
			`{"suggestions":[{"result_id":"r1","meal":"lunch","portion":1,"reason":"hm"}]}`)}},
		{Content: "that id is not yours"},
	}}
	search := &fakeSearcher{payload: searchPayloadFor([2]string{"10", "1"})}
	agent, _ := newTestAgent(chat, search)

	a := agent.StartSession(1)
	b := agent.StartSession(2)

	_, err := agent.ProcessTurn(context.Background(), a.ID, 1, userTurn("banana"))
	require.NoError(t, err)

	// Session B never searched, so r1 does not exist there.
	res, err := agent.ProcessTurn(context.Background(), b.ID, 2, userTurn("log r1"))
	require.NoError(t, err)
	assert.Empty(t, b.PendingApprovals)
	assert.Equal(t, StatusReady, res.Status)

	found := false
	for _, call := range chat.calls {
		for _, m := range call {
			if m.Role == "tool" && strings.Contains(m.Content, "unknown result IDs: r1") {
				found = true
			}
		}
	}
	assert.True(t, found, "session B must not see session A's result ids")
}
