// Package orchestrator runs one conversational turn end to end: approval
// resolution, history assembly, the provider agent loop, tool dispatch
// behind the authority and shield gates, and stream emission.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tinyclaw/internal/compaction"
	"tinyclaw/internal/heartware"
	"tinyclaw/internal/memory"
	"tinyclaw/internal/provider"
	"tinyclaw/internal/shield"
	"tinyclaw/internal/storage"
	"tinyclaw/internal/subagent"
	"tinyclaw/internal/tools"
)

const (
	// MaxToolIterations caps provider round-trips per turn.
	MaxToolIterations = 10
	// MaxJSONToolReplies caps consecutive text-embedded tool calls before
	// the turn gives up with a fallback string.
	MaxJSONToolReplies = 3
	// HistoryLimit is how many raw transcript messages a turn replays.
	HistoryLimit = 20
)

// Deps wires an Orchestrator. DB, Providers, Tools, and OwnerID are
// required; everything else degrades gracefully when nil.
type Deps struct {
	DB        *storage.DB
	Providers *provider.Registry
	Tools     *tools.Registry
	Shield    *shield.Engine
	Approvals *shield.ApprovalQueue
	Compactor *compaction.Compactor
	Memory    *memory.Engine
	Runner    *subagent.Runner
	Heartware *heartware.Manager
	OwnerID   string
	Logger    zerolog.Logger
	Learning  bool
	Filters   []Filter
}

// Orchestrator executes turns. One instance serves all principals; the
// session queue serializes turns per principal before they reach it.
type Orchestrator struct {
	db        *storage.DB
	providers *provider.Registry
	tools     *tools.Registry
	shield    *shield.Engine
	approvals *shield.ApprovalQueue
	compactor *compaction.Compactor
	memory    *memory.Engine
	runner    *subagent.Runner
	heartware *heartware.Manager
	logger    zerolog.Logger
	learning  bool
	filters   []Filter

	ownerMu sync.RWMutex
	ownerID string
}

// New creates an Orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	filters := d.Filters
	if filters == nil {
		filters = DefaultFilters()
	}
	return &Orchestrator{
		db:        d.DB,
		providers: d.Providers,
		tools:     d.Tools,
		shield:    d.Shield,
		approvals: d.Approvals,
		compactor: d.Compactor,
		memory:    d.Memory,
		runner:    d.Runner,
		heartware: d.Heartware,
		ownerID:   d.OwnerID,
		logger:    d.Logger,
		learning:  d.Learning,
		filters:   filters,
	}
}

// SetOwnerID updates who the owner principal is. Called when a fresh
// runtime gets claimed after the Orchestrator was built.
func (o *Orchestrator) SetOwnerID(id string) {
	o.ownerMu.Lock()
	o.ownerID = id
	o.ownerMu.Unlock()
}

func (o *Orchestrator) owner() string {
	o.ownerMu.RLock()
	defer o.ownerMu.RUnlock()
	return o.ownerID
}

// ChannelFor maps a principal to its transcript channel.
func (o *Orchestrator) ChannelFor(userID string) string {
	if userID == o.owner() {
		return "owner:main"
	}
	if strings.Contains(userID, ":") {
		return userID
	}
	return "friend:" + userID
}

// Turn processes one inbound message for a principal and returns the
// assistant's reply. sink, when non-nil, receives stream events as the turn
// progresses; text events pass through the output filter chain either way.
func (o *Orchestrator) Turn(ctx context.Context, userID, message string, sink func(Event)) (string, error) {
	em := newEmitter(sink, o.filters)
	isOwner := userID == o.owner()
	channel := o.ChannelFor(userID)

	if o.approvals != nil && o.approvals.HasPending(userID) {
		reply := o.resolveApproval(ctx, em, channel, userID, isOwner, message)
		em.Done()
		return reply, nil
	}

	route, err := o.providers.RouteWithHealth(ctx, message)
	if err != nil {
		em.Error(providerFailureMessage)
		em.Done()
		return "", fmt.Errorf("orchestrator: no provider: %w", err)
	}
	prov := route.Provider

	if o.compactor != nil {
		if _, err := o.compactor.CompactIfNeeded(ctx, channel, prov); err != nil {
			o.logger.Warn().Err(err).Str("channel", channel).Msg("compaction failed")
		}
	}

	msgs := o.assembleHistory(channel, userID, isOwner, message, prov)
	if _, err := o.db.AppendMessage(channel, userID, provider.RoleUser, message, nil, ""); err != nil {
		o.logger.Warn().Err(err).Msg("persist inbound failed")
	}

	reply, err := o.agentLoop(ctx, em, prov, channel, userID, isOwner, message, msgs)
	if err != nil {
		em.Error(providerFailureMessage)
		em.Done()
		return "", err
	}
	em.Done()
	return reply, nil
}

// assembleHistory builds the provider message list: system prompt, the
// latest compaction summary, the recent raw transcript, undelivered
// background results as system messages (marked delivered on injection),
// and finally the inbound message, fenced when a guest trips the
// injection signatures.
func (o *Orchestrator) assembleHistory(channel, userID string, isOwner bool, message string, prov provider.Provider) []provider.Message {
	msgs := []provider.Message{{
		Role:    provider.RoleSystem,
		Content: o.systemPrompt(userID, isOwner, prov.Name(), prov.ID(), message),
	}}

	if o.compactor != nil {
		if summary, err := o.compactor.LatestSummary(channel); err == nil && summary != "" {
			msgs = append(msgs, provider.Message{
				Role:    provider.RoleSystem,
				Content: "Summary of earlier conversation:\n" + summary,
			})
		}
	}

	history, err := o.db.RecentMessages(channel, HistoryLimit)
	if err != nil {
		o.logger.Warn().Err(err).Str("channel", channel).Msg("history load failed")
	}
	for _, m := range history {
		if m.Role != provider.RoleUser && m.Role != provider.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}

	if o.runner != nil {
		tasks, err := o.runner.Undelivered(userID)
		if err != nil {
			o.logger.Warn().Err(err).Msg("undelivered lookup failed")
		}
		for _, t := range tasks {
			var note string
			if t.Status == storage.TaskCompleted {
				note = fmt.Sprintf("[Background task completed] %q Result: %s", t.Description, t.Result)
			} else {
				note = fmt.Sprintf("[Background task failed] %q Error: %s", t.Description, t.Error)
			}
			msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: note})
			if _, err := o.runner.MarkDelivered(t.TaskID); err != nil {
				o.logger.Warn().Err(err).Str("task", t.TaskID).Msg("mark delivered failed")
			}
		}
	}

	inbound := message
	if !isOwner && looksLikeInjection(message) {
		inbound = fenceUntrusted(message)
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: inbound})
}

// complete runs one provider round-trip. With a stream sink attached it
// uses the provider's streaming API and forwards content deltas as they
// arrive. Emission is held back until the first non-space character: a
// reply opening with "{" is treated as an embedded tool call and never
// streamed raw. Returns whether any deltas reached the sink.
func (o *Orchestrator) complete(ctx context.Context, em *emitter, prov provider.Provider, req provider.ChatRequest) (*provider.ChatResponse, bool, error) {
	if !em.streaming() {
		resp, err := prov.Chat(ctx, req)
		return resp, false, err
	}

	events, err := prov.Stream(ctx, req)
	if err != nil {
		resp, err := prov.Chat(ctx, req)
		return resp, false, err
	}

	var (
		held       strings.Builder
		holding    = true
		suppressed bool
		streamed   bool
	)
	acc := provider.NewStreamAccumulator()
	resp, err := acc.Tap(events, func(delta string) {
		if suppressed {
			return
		}
		if holding {
			held.WriteString(delta)
			trimmed := strings.TrimLeft(held.String(), " \t\r\n")
			if trimmed == "" {
				return
			}
			holding = false
			if trimmed[0] == '{' {
				suppressed = true
				return
			}
			em.Delta(held.String())
			streamed = true
			return
		}
		em.Delta(delta)
	})
	return resp, streamed, err
}

// agentLoop is the provider round-trip loop. It ends the turn on plain
// text, on a write-tool summary, on a gate verdict, or on exhaustion.
func (o *Orchestrator) agentLoop(ctx context.Context, em *emitter, prov provider.Provider, channel, userID string, isOwner bool, userMessage string, msgs []provider.Message) (string, error) {
	defs := o.tools.Definitions(isOwner)
	jsonReplies := 0

	for iter := 1; iter <= MaxToolIterations; iter++ {
		resp, streamed, err := o.complete(ctx, em, prov, provider.ChatRequest{
			Messages: provider.SanitizeMessages(msgs),
			Tools:    defs,
		})
		if err != nil {
			return "", fmt.Errorf("orchestrator: provider chat: %w", err)
		}

		if resp.HasToolCalls() {
			terminal, next := o.runStructuredCalls(ctx, em, userID, isOwner, iter, resp, msgs)
			if terminal != "" {
				return o.finishTurn(em, channel, userID, terminal), nil
			}
			msgs = next
			continue
		}

		call, ok := extractJSONToolCall(resp.Content)
		if !ok {
			// Streamed deltas already reached the client; filter without
			// re-emitting in that case.
			var text string
			if streamed {
				text = em.filter(resp.Content)
			} else {
				text = em.Text(resp.Content)
			}
			if _, err := o.db.AppendMessage(channel, userID, provider.RoleAssistant, text, nil, ""); err != nil {
				o.logger.Warn().Err(err).Msg("persist reply failed")
			}
			o.scheduleLearning(userID, userMessage, text)
			return text, nil
		}

		jsonReplies++
		if jsonReplies > MaxJSONToolReplies {
			return o.finishTurn(em, channel, userID, jsonFallbackMessage), nil
		}
		call.Args["user_id"] = userID

		out := o.dispatch(ctx, em, userID, isOwner, iter, call.Name, call.Args)
		if out.terminal != "" {
			return o.finishTurn(em, channel, userID, out.terminal), nil
		}

		if out.result.IsError || readbackTools[call.Name] || delegationTools[call.Name] {
			msgs = append(msgs,
				provider.Message{Role: provider.RoleAssistant, Content: resp.Content},
				provider.Message{Role: provider.RoleUser, Content: fmt.Sprintf(
					"Tool %s returned:\n%s\n\nTell me what this means conversationally, without mentioning the tool.",
					call.Name, out.result.Content)},
			)
			continue
		}
		return o.finishTurn(em, channel, userID, summaryFor(call.Name, out.result.Content)), nil
	}

	em.Error(exhaustionMessage)
	return o.finishTurn(em, channel, userID, exhaustionMessage), nil
}

// dispatchOutcome is the result of one gated tool dispatch. A non-empty
// terminal string ends the turn with that text.
type dispatchOutcome struct {
	result   tools.Result
	terminal string
}

// dispatch runs the authority gate, then the shield gate, then the tool.
func (o *Orchestrator) dispatch(ctx context.Context, em *emitter, userID string, isOwner bool, iteration int, name string, args map[string]any) dispatchOutcome {
	tool, ok := o.tools.Get(name)
	if !ok {
		return dispatchOutcome{result: tools.Fail("unknown tool %q", name)}
	}

	if tool.OwnerOnly() && !isOwner {
		return dispatchOutcome{terminal: ownerOnlyRefusal}
	}

	rawArgs, _ := json.Marshal(args)
	if o.shield != nil {
		dec := o.shield.Evaluate(&shield.Event{
			Scope:          shield.ScopeToolCall,
			Principal:      userID,
			ToolName:       name,
			Arguments:      string(rawArgs),
			ToolIterations: iteration,
		})
		switch {
		case dec.Blocks():
			return dispatchOutcome{terminal: blockedMessage(name, dec)}
		case dec.NeedsApproval() && !tool.SelfGated():
			if o.approvals != nil {
				o.approvals.Push(userID, name, string(rawArgs), dec)
			}
			return dispatchOutcome{terminal: approvalPrompt(name, dec)}
		}
	}

	em.ToolStart(name)
	res := o.execute(ctx, tool, args)
	if delegationTools[name] {
		if res.Delegation == nil {
			agentID, taskID := scrapeDelegationIDs(res.Content)
			res.Delegation = &tools.Delegation{
				AgentID:    agentID,
				TaskID:     taskID,
				Background: name == "delegate_background",
				Status:     delegationStatus(name, res.IsError),
			}
		}
		em.Delegation(name, res.Delegation, res.Content)
	} else {
		em.ToolResult(name, res.Content)
	}
	return dispatchOutcome{result: res}
}

// execute invokes a tool, folding panics and call errors into an error
// result the model can observe.
func (o *Orchestrator) execute(ctx context.Context, t tools.Tool, args map[string]any) (res tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("tool", t.Name()).Msg("tool panicked")
			res = tools.Fail("tool %s crashed", t.Name())
		}
	}()
	out, err := t.Execute(ctx, args)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return out
}

// runStructuredCalls handles a native tool_calls response. Every call is
// gated individually; executed results become tool messages and the loop
// continues, unless any call needs approval or was refused, in which case
// the turn ends with the executed results concatenated ahead of the first
// approval prompt.
func (o *Orchestrator) runStructuredCalls(ctx context.Context, em *emitter, userID string, isOwner bool, iteration int, resp *provider.ChatResponse, msgs []provider.Message) (string, []provider.Message) {
	assistantMsg := provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
	toolMsgs := make([]provider.Message, 0, len(resp.ToolCalls))

	var rendered []string
	var gateText string

	for _, tc := range resp.ToolCalls {
		args := map[string]any{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		args["user_id"] = userID

		tool, ok := o.tools.Get(tc.Name)
		var content string
		switch {
		case !ok:
			content = tools.Fail("unknown tool %q", tc.Name).Content
		case tool.OwnerOnly() && !isOwner:
			if gateText == "" {
				gateText = ownerOnlyRefusal
			}
			content = "Error: refused, owner-only tool"
		default:
			var gated bool
			if o.shield != nil {
				dec := o.shield.Evaluate(&shield.Event{
					Scope:          shield.ScopeToolCall,
					Principal:      userID,
					ToolName:       tc.Name,
					Arguments:      tc.Arguments,
					ToolIterations: iteration,
				})
				switch {
				case dec.Blocks():
					if gateText == "" {
						gateText = blockedMessage(tc.Name, dec)
					}
					content = "Error: blocked by shield"
					gated = true
				case dec.NeedsApproval() && !tool.SelfGated():
					if o.approvals != nil {
						o.approvals.Push(userID, tc.Name, tc.Arguments, dec)
					}
					if gateText == "" {
						gateText = approvalPrompt(tc.Name, dec)
					}
					content = "Pending owner approval"
					gated = true
				}
			}
			if !gated {
				em.ToolStart(tc.Name)
				res := o.execute(ctx, tool, args)
				if delegationTools[tc.Name] {
					if res.Delegation == nil {
						agentID, taskID := scrapeDelegationIDs(res.Content)
						res.Delegation = &tools.Delegation{
							AgentID:    agentID,
							TaskID:     taskID,
							Background: tc.Name == "delegate_background",
							Status:     delegationStatus(tc.Name, res.IsError),
						}
					}
					em.Delegation(tc.Name, res.Delegation, res.Content)
				} else {
					em.ToolResult(tc.Name, res.Content)
				}
				content = res.Content
				rendered = append(rendered, fmt.Sprintf("**%s**: %s", tc.Name, res.Content))
			}
		}
		toolMsgs = append(toolMsgs, provider.Message{Role: provider.RoleTool, ToolCallID: tc.ID, Content: content})
	}

	if gateText != "" {
		parts := append(rendered, gateText)
		return strings.Join(parts, "\n\n"), nil
	}

	next := append(msgs, assistantMsg)
	next = append(next, toolMsgs...)
	return "", next
}

// resolveApproval handles a turn that arrives while the principal has a
// queued approval: the message is classified as a verdict on the pending
// call rather than a fresh request.
func (o *Orchestrator) resolveApproval(ctx context.Context, em *emitter, channel, userID string, isOwner bool, message string) string {
	if _, err := o.db.AppendMessage(channel, userID, provider.RoleUser, message, nil, ""); err != nil {
		o.logger.Warn().Err(err).Msg("persist inbound failed")
	}

	pa := o.approvals.Pop(userID)
	if pa == nil {
		return o.finishTurn(em, channel, userID, "That pending action expired while I was waiting. Ask again if you still want it.")
	}

	switch o.classifyApproval(ctx, message) {
	case "APPROVED":
		tool, ok := o.tools.Get(pa.ToolName)
		if !ok {
			return o.finishTurn(em, channel, userID, fmt.Sprintf("I queued **%s** for approval but it is no longer available.", pa.ToolName))
		}
		if tool.OwnerOnly() && !isOwner {
			return o.finishTurn(em, channel, userID, ownerOnlyRefusal)
		}
		args := map[string]any{}
		if pa.Arguments != "" {
			if err := json.Unmarshal([]byte(pa.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		em.ToolStart(pa.ToolName)
		res := o.execute(ctx, tool, args)
		em.ToolResult(pa.ToolName, res.Content)
		return o.finishTurn(em, channel, userID, fmt.Sprintf("Approved. Here's the result of running **%s**: %s", pa.ToolName, res.Content))

	case "DENIED":
		return o.finishTurn(em, channel, userID, fmt.Sprintf("Understood, I won't run **%s**.", pa.ToolName))

	default:
		o.approvals.Requeue(pa)
		return o.finishTurn(em, channel, userID, fmt.Sprintf("Just to be sure: should I run **%s**? A clear yes or no works best.", pa.ToolName))
	}
}

// classifyApproval asks the default provider for a one-word verdict.
// Anything that is not a clean APPROVED or DENIED is UNCLEAR.
func (o *Orchestrator) classifyApproval(ctx context.Context, message string) string {
	prov := o.providers.Default()
	if prov == nil {
		return "UNCLEAR"
	}
	resp, err := prov.Chat(ctx, provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: approvalClassifierPrompt},
			{Role: provider.RoleUser, Content: message},
		},
		MaxTokens: 8,
	})
	if err != nil {
		return "UNCLEAR"
	}
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(resp.Content)))
	if len(fields) == 0 {
		return "UNCLEAR"
	}
	switch fields[0] {
	case "APPROVED", "DENIED":
		return fields[0]
	}
	return "UNCLEAR"
}

// finishTurn emits text through the filter chain, persists it as the
// assistant reply, and returns the filtered form.
func (o *Orchestrator) finishTurn(em *emitter, channel, userID, text string) string {
	text = em.Text(text)
	if _, err := o.db.AppendMessage(channel, userID, provider.RoleAssistant, text, nil, ""); err != nil {
		o.logger.Warn().Err(err).Msg("persist reply failed")
	}
	return text
}

// scheduleLearning kicks off the best-effort post-turn preference
// extraction. Failures are logged and dropped.
func (o *Orchestrator) scheduleLearning(userID, userMessage, reply string) {
	if !o.learning {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.analyzeLearning(ctx, userID, userMessage, reply); err != nil {
			o.logger.Debug().Err(err).Msg("learning analysis skipped")
		}
	}()
}

const learningPrompt = `Extract durable user preferences from this exchange.
Reply with one preference per line as "key: value" with snake_case keys.
Reply with exactly NONE if the exchange reveals no durable preference.`

func (o *Orchestrator) analyzeLearning(ctx context.Context, userID, userMessage, reply string) error {
	prov := o.providers.Default()
	if prov == nil {
		return nil
	}
	resp, err := prov.Chat(ctx, provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: learningPrompt},
			{Role: provider.RoleUser, Content: fmt.Sprintf("User: %s\nAssistant: %s", userMessage, reply)},
		},
		MaxTokens: 200,
	})
	if err != nil {
		return err
	}
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || strings.EqualFold(line, "NONE") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if err := o.db.BlackboardSet(userID, "pref."+key, value); err != nil {
			return err
		}
	}
	return nil
}

func blockedMessage(tool string, dec shield.Decision) string {
	return fmt.Sprintf("\U0001F6E1️ I can't do that. Shield blocked **%s** under threat %s (%s): %s",
		tool, dec.ThreatID, dec.Title, dec.Reason)
}

func approvalPrompt(tool string, dec shield.Decision) string {
	return fmt.Sprintf("Before I run **%s**, I need your go-ahead. It matched threat %s (%s): %s. Should I proceed?",
		tool, dec.ThreatID, dec.Title, dec.Reason)
}

func delegationStatus(tool string, isError bool) string {
	if isError {
		return "failed"
	}
	if tool == "delegate_background" {
		return storage.TaskRunning
	}
	return "completed"
}
