package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/llm"
	"github.com/ngmhub/siteledger/internal/models"
)

const routerSystemPrompt = `You route a user's chat message for the %q assistant of a construction
expense platform. Decide between:
- "function_call": the message asks for one of the functions below
- "free_chat": the message is conversation, answer it yourself
- "cross_agent": the message belongs to another assistant (%s)
Respond with JSON only:
{"action": "function_call|free_chat|cross_agent", "function": "<name>",
 "arguments": {"<arg>": "<value>"}, "target_agent": "<agent>", "ack_message": "<short reply to the user>"}
Functions:
%s`

// router is the slice of the model gateway the dispatcher uses.
type router interface {
	ClassifySmall(ctx context.Context, system, user string) (*llm.Result, error)
}

// chatStore is the messaging surface the dispatcher reads and writes.
type chatStore interface {
	History(ctx context.Context, channelKey string, limit int) ([]*models.Message, error)
	Post(ctx context.Context, msg *models.Message) (*models.Message, error)
}

// Config tunes the dispatcher.
type Config struct {
	Cooldown    time.Duration
	CooldownCap int
}

// Dispatcher owns the agent registry and the inbound event path.
type Dispatcher struct {
	gateway  router
	chat     chatStore
	logger   *zap.Logger
	cooldown *cooldownMap
	agents   map[string]Agent
	order    []string
}

// NewDispatcher creates the dispatcher. Agents register afterwards.
func NewDispatcher(gateway router, chat chatStore, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		gateway:  gateway,
		chat:     chat,
		logger:   logger,
		cooldown: newCooldownMap(cfg.Cooldown, cfg.CooldownCap),
		agents:   make(map[string]Agent),
	}
}

// Register adds an agent. The first registered agent is the default
// target for events that name none.
func (d *Dispatcher) Register(a Agent) {
	d.agents[a.Name()] = a
	d.order = append(d.order, a.Name())
}

// Dispatch handles one inbound event end to end and returns the reply
// it posted, or nil when the event was suppressed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*models.Message, error) {
	agent, err := d.resolveAgent(ev.Agent)
	if err != nil {
		return nil, err
	}
	if !d.cooldown.Allow(ev.UserID, ev.ChannelKey, agent.Name()) {
		d.logger.Debug("event suppressed by cooldown",
			zap.String("agent", agent.Name()),
			zap.String("channel", ev.ChannelKey))
		return nil, nil
	}
	return d.dispatch(ctx, agent, ev, false)
}

func (d *Dispatcher) resolveAgent(name string) (Agent, error) {
	if name == "" {
		if len(d.order) == 0 {
			return nil, apperr.New(apperr.KindInternal, "no agents registered")
		}
		name = d.order[0]
	}
	agent, ok := d.agents[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unknown agent %q", name)
	}
	return agent, nil
}

// dispatch runs the route-then-execute step. forwarded guards the
// cross_agent hop: an event crosses at most once.
func (d *Dispatcher) dispatch(ctx context.Context, agent Agent, ev Event, forwarded bool) (*models.Message, error) {
	route, err := d.route(ctx, agent, ev)
	if err != nil {
		return nil, err
	}

	switch route.Action {
	case "function_call":
		return d.executeFunction(ctx, agent, route, ev)

	case "cross_agent":
		if forwarded {
			d.logger.Warn("cross_agent loop stopped",
				zap.String("from", agent.Name()),
				zap.String("to", route.TargetAgent))
			return d.post(ctx, agent, ev, "I couldn't find the right assistant for that, sorry.")
		}
		target, ok := d.agents[route.TargetAgent]
		if !ok || target.Name() == agent.Name() {
			return d.post(ctx, agent, ev, route.AckMessage)
		}
		return d.dispatch(ctx, target, ev, true)

	case "free_chat":
		reply := route.AckMessage
		if reply == "" {
			reply = "Noted."
		}
		return d.post(ctx, agent, ev, agent.Persona()+" "+reply)

	default:
		return nil, apperr.Newf(apperr.KindUpstreamInvalid, "router returned unknown action %q", route.Action)
	}
}

func (d *Dispatcher) route(ctx context.Context, agent Agent, ev Event) (*routing, error) {
	others := make([]string, 0, len(d.order))
	for _, name := range d.order {
		if name != agent.Name() {
			others = append(others, name)
		}
	}

	catalog, err := json.MarshalIndent(agent.Catalog(), "", "  ")
	if err != nil {
		return nil, err
	}
	system := fmt.Sprintf(routerSystemPrompt, agent.Name(), strings.Join(others, ", "), catalog)

	var prompt strings.Builder
	if history, err := d.chat.History(ctx, ev.ChannelKey, 5); err == nil {
		for _, m := range history {
			fmt.Fprintf(&prompt, "%s: %s\n", m.AuthorID, m.Body)
		}
	}
	fmt.Fprintf(&prompt, "%s: %s", ev.UserID, ev.Text)

	res, err := d.gateway.ClassifySmall(ctx, system, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("router call failed: %w", err)
	}
	route, err := parseRouting(res.Value)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamInvalid, "router response does not match schema", err)
	}
	return route, nil
}

func (d *Dispatcher) executeFunction(ctx context.Context, agent Agent, route *routing, ev Event) (*models.Message, error) {
	allowed := false
	for _, spec := range agent.Catalog() {
		if spec.Name == route.Function {
			allowed = true
			break
		}
	}
	if !allowed {
		d.logger.Warn("router proposed a function outside the capability table",
			zap.String("agent", agent.Name()),
			zap.String("function", route.Function))
		return d.post(ctx, agent, ev, "I can't do that from here.")
	}

	out, err := agent.Call(ctx, route.Function, route.Arguments, ev)
	if err != nil {
		d.logger.Warn("agent function failed",
			zap.String("agent", agent.Name()),
			zap.String("function", route.Function),
			zap.Error(err))
		return d.post(ctx, agent, ev, friendlyError(err))
	}
	if route.AckMessage != "" {
		out = route.AckMessage + "\n" + out
	}
	return d.post(ctx, agent, ev, out)
}

func (d *Dispatcher) post(ctx context.Context, agent Agent, ev Event, body string) (*models.Message, error) {
	return d.chat.Post(ctx, &models.Message{
		ChannelKey: ev.ChannelKey,
		AuthorID:   "bot:" + agent.Name(),
		Body:       body,
		Metadata:   map[string]string{"agent": agent.Name()},
	})
}

// friendlyError maps error kinds onto chat-appropriate phrasing; the
// cause stays in the logs.
func friendlyError(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return "I couldn't find that record."
	case apperr.KindValidation, apperr.KindBusinessRule:
		if ae, ok := err.(*apperr.Error); ok {
			return "That didn't work: " + ae.Message
		}
		return "That didn't work, the request looks invalid."
	case apperr.KindRateLimited, apperr.KindUpstreamTimeout, apperr.KindUpstreamUnavailable:
		return "The model service is busy right now, try again in a moment."
	default:
		return "Something went wrong on my side, the team has been notified."
	}
}
