package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Turn states observable by the client.
const (
	StatusReady            = "ready"
	StatusAwaitingApproval = "awaiting_approval"
)

// maxAgentTurns bounds how many model turns one loop run may take. Hitting
// the cap is not an error; the run returns ready with whatever accumulated.
const maxAgentTurns = 8

const maxApprovalSuggestions = 8

const (
	defaultCountryCode  = "US"
	defaultResourceType = "food"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrApprovalNotFound   = errors.New("no pending approval for tool call")
	ErrSuggestionNotFound = errors.New("suggestion not found")
	ErrSuggestionResolved = errors.New("suggestion already resolved")
	ErrBadTurnAction      = errors.New("unsupported turn action")
)

// AgentEvent is one user-visible thing that happened during a turn.
type AgentEvent struct {
	Type        string                `json:"type"` // assistant | search | approval | error
	Text        string                `json:"text,omitempty"`
	Results     []AssignedFood        `json:"results,omitempty"`
	ToolCallID  string                `json:"tool_call_id,omitempty"`
	Suggestions []*ApprovalSuggestion `json:"suggestions,omitempty"`
}

// AssignedFood is a normalized food under its session-scoped result id. The
// model must reference foods by these ids, so it can never invent or alter
// nutrition data.
type AssignedFood struct {
	ResultID string `json:"result_id"`
	Food
}

type TurnAction struct {
	Type         string `json:"type" binding:"required"` // "user-message" | "approval"
	Message      string `json:"message,omitempty"`
	ToolCallID   string `json:"tool_call_id,omitempty"`
	SuggestionID string `json:"suggestion_id,omitempty"`
	Approved     *bool  `json:"approved,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type TurnResult struct {
	Status string       `json:"status"`
	Events []AgentEvent `json:"events"`
}

type foodSearcher interface {
	ExecuteSearch(ctx context.Context, p SearchParams, includeDetails bool) (*SearchResult, error)
}

// EventSink receives the events of a finished turn, e.g. for websocket
// fan-out to the owning user.
type EventSink interface {
	BroadcastEvents(userID uint, events []AgentEvent)
}

// ApprovalNotifier is pinged when an agent run pauses for human review.
type ApprovalNotifier interface {
	PushToUser(userID uint, title, body string, data map[string]string)
}

// AgentService drives the turn-based tool-calling loop over a session store,
// a chat-completion client, and the food search orchestrator.
type AgentService struct {
	sessions SessionStore
	chat     ChatCompleter
	search   foodSearcher
	hub      EventSink
	notifier ApprovalNotifier
	idleTTL  time.Duration
}

func NewAgentService(sessions SessionStore, chat ChatCompleter, search foodSearcher, idleTTL time.Duration) *AgentService {
	return &AgentService{sessions: sessions, chat: chat, search: search, idleTTL: idleTTL}
}

func (a *AgentService) SetEventSink(sink EventSink)            { a.hub = sink }
func (a *AgentService) SetApprovalNotifier(n ApprovalNotifier) { a.notifier = n }

const agentSystemPrompt = `You are a nutrition assistant that helps the user log meals.

You can search a food database with the searchFoods tool. Every result you
receive carries a result_id (r1, r2, ...). When the user wants to log
something, propose entries with the requestFoodApprovals tool, referencing
foods strictly by their result_id. Never invent foods, ids, or nutrition
numbers; only suggest foods returned by searchFoods in this conversation.
Portions are multiples of 0.25 servings. Each suggestion needs a short reason
the user can read. After an approval request the user decides out-of-band;
you will receive the decisions as a tool result. Keep answers short.`

var agentTools = []ToolDefinition{
	{
		Type: "function",
		Function: ToolFunction{
			Name:        "searchFoods",
			Description: "Search the nutrition database. Returns foods with result_ids to reference later.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Food search text, at least 2 characters.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Max results to return, 1-10. Defaults to 6.",
					},
				},
				"required": []string{"query"},
			},
		},
	},
	{
		Type: "function",
		Function: ToolFunction{
			Name:        "requestFoodApprovals",
			Description: "Ask the user to approve logging the given foods. Pauses until every suggestion is decided.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"suggestions": map[string]any{
						"type":     "array",
						"minItems": 1,
						"maxItems": maxApprovalSuggestions,
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"result_id": map[string]any{"type": "string"},
								"meal": map[string]any{
									"type": "string",
									"enum": []string{"breakfast", "lunch", "dinner", "snack"},
								},
								"portion": map[string]any{
									"type":        "number",
									"description": "Servings as a multiple of 0.25, minimum 0.25.",
								},
								"reason": map[string]any{"type": "string"},
							},
							"required": []string{"result_id", "meal", "portion", "reason"},
						},
					},
				},
				"required": []string{"suggestions"},
			},
		},
	},
}

// StartSession prunes idle sessions, then opens a fresh one for the user.
func (a *AgentService) StartSession(userID uint) *Session {
	a.sessions.Prune(a.idleTTL)
	return a.sessions.Create(userID)
}

// ProcessTurn handles one inbound turn request: either a user message that
// kicks off a loop run, or an approval decision for a pending suggestion.
func (a *AgentService) ProcessTurn(ctx context.Context, sessionID string, userID uint, action TurnAction) (*TurnResult, error) {
	a.sessions.Prune(a.idleTTL)

	sess, ok := a.sessions.Get(sessionID, userID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.Lock()
	defer sess.Unlock()
	defer sess.Touch()

	var res *TurnResult
	switch action.Type {
	case "user-message":
		msg := strings.TrimSpace(action.Message)
		if msg == "" {
			return nil, fmt.Errorf("%w: empty message", ErrBadTurnAction)
		}
		sess.Messages = append(sess.Messages, ChatMessage{Role: "user", Content: msg})
		res = a.runLoop(ctx, sess)
	case "approval":
		var err error
		res, err = a.resolveApproval(ctx, sess, action)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadTurnAction, action.Type)
	}

	if a.hub != nil && len(res.Events) > 0 {
		a.hub.BroadcastEvents(userID, res.Events)
	}
	return res, nil
}

// resolveApproval records one decision. The batch resumes the loop only once
// every suggestion in it is decided; until then the session stays paused and
// the model is not called.
func (a *AgentService) resolveApproval(ctx context.Context, sess *Session, action TurnAction) (*TurnResult, error) {
	if action.Approved == nil {
		return nil, fmt.Errorf("%w: approved is required", ErrBadTurnAction)
	}
	batch, ok := sess.PendingApprovals[action.ToolCallID]
	if !ok {
		return nil, ErrApprovalNotFound
	}

	var target *ApprovalSuggestion
	for _, sug := range batch {
		if sug.ID == action.SuggestionID {
			target = sug
			break
		}
	}
	if target == nil {
		return nil, ErrSuggestionNotFound
	}
	if target.Resolution != nil {
		return nil, ErrSuggestionResolved
	}
	target.Resolution = &ApprovalResolution{
		Approved: *action.Approved,
		Reason:   strings.TrimSpace(action.Reason),
	}

	for _, sug := range batch {
		if sug.Resolution == nil {
			return &TurnResult{Status: StatusAwaitingApproval, Events: []AgentEvent{}}, nil
		}
	}

	type approvalDecision struct {
		SuggestionID string  `json:"suggestion_id"`
		ResultID     string  `json:"result_id"`
		Meal         string  `json:"meal"`
		Portion      float64 `json:"portion"`
		Approved     bool    `json:"approved"`
		Reason       string  `json:"reason,omitempty"`
	}
	decisions := make([]approvalDecision, 0, len(batch))
	for _, sug := range batch {
		decisions = append(decisions, approvalDecision{
			SuggestionID: sug.ID,
			ResultID:     sug.ResultID,
			Meal:         sug.Meal,
			Portion:      sug.Portion,
			Approved:     sug.Resolution.Approved,
			Reason:       sug.Resolution.Reason,
		})
	}
	content, err := json.Marshal(map[string]any{"decisions": decisions})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approval decisions: %w", err)
	}
	sess.Messages = append(sess.Messages, ChatMessage{
		Role:       "tool",
		ToolCallID: action.ToolCallID,
		Content:    string(content),
	})
	delete(sess.PendingApprovals, action.ToolCallID)

	return a.runLoop(ctx, sess), nil
}

// runLoop drives model turns until the model stops calling tools, a tool
// pauses for approval, or the turn cap is reached. Loop-level failures
// (model API down, malformed tool arguments) surface as an error event and
// leave the session in ready state rather than wedging it.
func (a *AgentService) runLoop(ctx context.Context, sess *Session) *TurnResult {
	events := []AgentEvent{}

	for turn := 0; turn < maxAgentTurns; turn++ {
		messages := make([]ChatMessage, 0, len(sess.Messages)+1)
		messages = append(messages, ChatMessage{Role: "system", Content: agentSystemPrompt})
		messages = append(messages, sess.Messages...)

		reply, err := a.chat.Complete(ctx, messages, agentTools)
		if err != nil {
			log.Printf("agent: model turn failed: %v", err)
			events = append(events, AgentEvent{Type: "error", Text: "model turn failed: " + err.Error()})
			return &TurnResult{Status: StatusReady, Events: events}
		}

		if strings.TrimSpace(reply.Content) != "" {
			events = append(events, AgentEvent{Type: "assistant", Text: reply.Content})
		}
		if reply.Content != "" || len(reply.ToolCalls) > 0 {
			sess.Messages = append(sess.Messages, ChatMessage{
				Role:      "assistant",
				Content:   reply.Content,
				ToolCalls: reply.ToolCalls,
			})
		}
		if len(reply.ToolCalls) == 0 {
			return &TurnResult{Status: StatusReady, Events: events}
		}

		for i, tc := range reply.ToolCalls {
			output, pause, err := a.executeTool(ctx, sess, tc, &events)
			if err != nil {
				log.Printf("agent: tool %s failed: %v", tc.Function.Name, err)
				// The assistant message carrying these tool calls is already
				// in the history; every call needs a tool reply or the next
				// completion request is rejected as malformed.
				for _, unanswered := range reply.ToolCalls[i:] {
					sess.Messages = append(sess.Messages, ChatMessage{
						Role:       "tool",
						ToolCallID: unanswered.ID,
						Content:    errorPayload(err.Error()),
					})
				}
				events = append(events, AgentEvent{Type: "error", Text: err.Error()})
				return &TurnResult{Status: StatusReady, Events: events}
			}
			if pause {
				// No synthetic tool turn for the paused call; the resolved
				// decisions become its tool result later.
				return &TurnResult{Status: StatusAwaitingApproval, Events: events}
			}
			sess.Messages = append(sess.Messages, ChatMessage{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    output,
			})
		}
	}

	return &TurnResult{Status: StatusReady, Events: events}
}

type toolKind int

const (
	toolUnknown toolKind = iota
	toolSearchFoods
	toolRequestApprovals
)

func toolKindFromName(name string) toolKind {
	switch name {
	case "searchFoods":
		return toolSearchFoods
	case "requestFoodApprovals":
		return toolRequestApprovals
	default:
		return toolUnknown
	}
}

// executeTool dispatches one tool call. Validation problems come back as an
// {error} payload the model can read and self-correct on; only
// infrastructure failures return an error.
func (a *AgentService) executeTool(ctx context.Context, sess *Session, tc ToolCall, events *[]AgentEvent) (string, bool, error) {
	switch toolKindFromName(tc.Function.Name) {
	case toolSearchFoods:
		return a.runSearchFoods(ctx, sess, tc, events)
	case toolRequestApprovals:
		return a.runRequestApprovals(sess, tc, events)
	default:
		return errorPayload(fmt.Sprintf("unknown tool %q", tc.Function.Name)), false, nil
	}
}

func (a *AgentService) runSearchFoods(ctx context.Context, sess *Session, tc ToolCall, events *[]AgentEvent) (string, bool, error) {
	var args struct {
		Query string `json:"query"`
		Limit *int   `json:"limit"`
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return "", false, fmt.Errorf("invalid searchFoods arguments: %w", err)
	}

	query := strings.TrimSpace(args.Query)
	if len([]rune(query)) < 2 {
		return errorPayload("query must be at least 2 characters"), false, nil
	}
	limit := 6
	if args.Limit != nil {
		limit = *args.Limit
	}
	if limit < 1 || limit > 10 {
		return errorPayload("limit must be between 1 and 10"), false, nil
	}

	maxItems := limit * 2
	if maxItems < 8 {
		maxItems = 8
	}
	if maxItems > 20 {
		maxItems = 20
	}

	res, err := a.search.ExecuteSearch(ctx, SearchParams{
		Query:        query,
		MaxItems:     maxItems,
		CountryCode:  defaultCountryCode,
		ResourceType: defaultResourceType,
	}, true)
	if err != nil {
		return "", false, fmt.Errorf("food search failed: %w", err)
	}

	foods := NormalizedFoods(res)
	if len(foods) > limit {
		foods = foods[:limit]
	}

	assigned := make([]AssignedFood, 0, len(foods))
	for _, f := range foods {
		id := sess.NextResultID()
		sess.Results[id] = f
		assigned = append(assigned, AssignedFood{ResultID: id, Food: f})
	}
	*events = append(*events, AgentEvent{Type: "search", Results: assigned})

	out, err := json.Marshal(map[string]any{"results": assigned, "count": len(assigned)})
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal search results: %w", err)
	}
	return string(out), false, nil
}

func (a *AgentService) runRequestApprovals(sess *Session, tc ToolCall, events *[]AgentEvent) (string, bool, error) {
	var args struct {
		Suggestions []struct {
			ResultID string  `json:"result_id"`
			Meal     string  `json:"meal"`
			Portion  float64 `json:"portion"`
			Reason   string  `json:"reason"`
		} `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return "", false, fmt.Errorf("invalid requestFoodApprovals arguments: %w", err)
	}
	if len(args.Suggestions) < 1 || len(args.Suggestions) > maxApprovalSuggestions {
		return errorPayload(fmt.Sprintf("suggestions must contain between 1 and %d entries", maxApprovalSuggestions)), false, nil
	}

	// Unknown ids reject the whole batch; nothing is registered.
	var unknown []string
	seenUnknown := make(map[string]struct{})
	for _, s := range args.Suggestions {
		if _, ok := sess.Results[s.ResultID]; ok {
			continue
		}
		if _, dup := seenUnknown[s.ResultID]; dup {
			continue
		}
		seenUnknown[s.ResultID] = struct{}{}
		unknown = append(unknown, s.ResultID)
	}
	if len(unknown) > 0 {
		if len(unknown) > 5 {
			unknown = unknown[:5]
		}
		return errorPayload("unknown result IDs: " + strings.Join(unknown, ", ")), false, nil
	}

	seen := make(map[string]struct{})
	var batch []*ApprovalSuggestion
	for _, s := range args.Suggestions {
		reason := strings.TrimSpace(s.Reason)
		if reason == "" {
			continue
		}
		portion := sanitizePortion(s.Portion)
		key := fmt.Sprintf("%s|%s|%g", s.ResultID, s.Meal, portion)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		batch = append(batch, &ApprovalSuggestion{
			ID:       uuid.NewString(),
			ResultID: s.ResultID,
			Meal:     s.Meal,
			Portion:  portion,
			Reason:   reason,
			Food:     sess.Results[s.ResultID],
		})
	}
	if len(batch) == 0 {
		return errorPayload("no valid suggestions"), false, nil
	}

	sess.PendingApprovals[tc.ID] = batch
	*events = append(*events, AgentEvent{Type: "approval", ToolCallID: tc.ID, Suggestions: batch})

	if a.notifier != nil {
		a.notifier.PushToUser(sess.UserID, "Approval needed",
			fmt.Sprintf("%d food suggestion(s) awaiting your review", len(batch)),
			map[string]string{"session_id": sess.ID, "tool_call_id": tc.ID})
	}
	return "", true, nil
}

// sanitizePortion snaps a requested portion to the nearest quarter serving,
// never below 0.25.
func sanitizePortion(p float64) float64 {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0.25
	}
	q := math.Round(p*4) / 4
	if q < 0.25 {
		q = 0.25
	}
	return q
}

func errorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
