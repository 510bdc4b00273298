// Package moderation hosts the message-moderation plugin pipeline. The host
// runs each plugin in registration order and aggregates on a fixed severity
// lattice where the strictest action wins. FloodPlugin is the one built-in;
// other plugins register through the same contract.
package moderation

import (
	"fmt"
	"log"
	"sync"
)

// Action is a point on the severity lattice. Higher is stricter.
type Action int

const (
	Allow Action = iota
	Warn
	Throttle
	Block
	Timeout
	Kick
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "ALLOW"
	case Warn:
		return "WARN"
	case Throttle:
		return "THROTTLE"
	case Block:
		return "BLOCK"
	case Timeout:
		return "TIMEOUT"
	case Kick:
		return "KICK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(a))
	}
}

// Event is the message under moderation.
type Event struct {
	AgentID string
	Channel string // empty for direct messages
	Content string
	Admin   bool
}

// Plugin is the contract a moderation plugin implements.
type Plugin interface {
	// Name returns the plugin's unique identifier.
	Name() string

	// Channels returns the channel names this plugin is scoped to; empty
	// means global.
	Channels() []string

	// FailOpen reports the plugin's error policy: true means an error is
	// silently ALLOW, false means an error is treated as BLOCK.
	FailOpen() bool

	// Check returns the action for the event.
	Check(ev Event) (Action, error)
}

// CleanupHook runs on the pipeline's periodic cleanup tick.
type CleanupHook func()

// DisconnectHook runs when an agent disconnects.
type DisconnectHook func(agentID string)

// Decision is the aggregated outcome for one event.
type Decision struct {
	Action  Action
	Plugin  string // plugin that produced the winning action
	Reasons []string
}

// Pipeline is the ordered plugin host.
type Pipeline struct {
	mu          sync.RWMutex
	plugins     []Plugin
	cleanups    []CleanupHook
	disconnects []DisconnectHook
	logger      *log.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		logger: log.New(log.Writer(), "[MODERATION] ", log.LstdFlags),
	}
}

// Register appends a plugin. Order matters only for reason reporting; the
// aggregation itself is order-independent.
func (p *Pipeline) Register(plugin Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plugins = append(p.plugins, plugin)
	p.logger.Printf("registered plugin %s (channels=%v, failOpen=%v)",
		plugin.Name(), plugin.Channels(), plugin.FailOpen())
}

// OnCleanup registers a periodic cleanup hook.
func (p *Pipeline) OnCleanup(hook CleanupHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups = append(p.cleanups, hook)
}

// OnDisconnect registers a per-disconnect hook.
func (p *Pipeline) OnDisconnect(hook DisconnectHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects = append(p.disconnects, hook)
}

// Check runs the event through every applicable plugin and returns the
// strictest action. An admin event short-circuits to ALLOW.
func (p *Pipeline) Check(ev Event) Decision {
	if ev.Admin {
		return Decision{Action: Allow}
	}

	p.mu.RLock()
	plugins := p.plugins
	p.mu.RUnlock()

	decision := Decision{Action: Allow}
	for _, plugin := range plugins {
		if !appliesTo(plugin, ev.Channel) {
			continue
		}
		action, err := plugin.Check(ev)
		if err != nil {
			if plugin.FailOpen() {
				p.logger.Printf("plugin %s failed open: %v", plugin.Name(), err)
				continue
			}
			p.logger.Printf("plugin %s failed closed: %v", plugin.Name(), err)
			action = Block
		}
		if action > decision.Action {
			decision.Action = action
			decision.Plugin = plugin.Name()
		}
		if action > Allow {
			decision.Reasons = append(decision.Reasons,
				fmt.Sprintf("%s:%s", plugin.Name(), action))
		}
	}
	return decision
}

// Cleanup fires all cleanup hooks.
func (p *Pipeline) Cleanup() {
	p.mu.RLock()
	hooks := p.cleanups
	p.mu.RUnlock()
	for _, hook := range hooks {
		hook()
	}
}

// AgentDisconnected fires all disconnect hooks.
func (p *Pipeline) AgentDisconnected(agentID string) {
	p.mu.RLock()
	hooks := p.disconnects
	p.mu.RUnlock()
	for _, hook := range hooks {
		hook(agentID)
	}
}

func appliesTo(plugin Plugin, channel string) bool {
	scoped := plugin.Channels()
	if len(scoped) == 0 {
		return true
	}
	for _, ch := range scoped {
		if ch == channel {
			return true
		}
	}
	return false
}
