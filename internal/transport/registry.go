package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"dispatchd/internal/chat"
)

// Registry maps bot ids to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register binds botID to a. A second call for the same id replaces it.
func (r *Registry) Register(botID string, a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[botID] = a
	r.mu.Unlock()
}

func (r *Registry) Adapter(botID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[botID]
	return a, ok
}

// Bots returns registered bot ids, sorted.
func (r *Registry) Bots() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Push sends msg through the adapter of botID.
func (r *Registry) Push(ctx context.Context, botID, to string, msg chat.Outbound) (bool, error) {
	a, ok := r.Adapter(botID)
	if !ok {
		return false, Rejected(fmt.Errorf("%w: %q", ErrUnknownBot, botID))
	}
	if strings.TrimSpace(to) == "" {
		return false, Rejected(fmt.Errorf("empty recipient"))
	}
	return a.Push(ctx, to, msg)
}

// ChannelID returns "<platform>:<botID>", or "unknown:<botID>" for bots
// without an adapter so they still get their own window.
func (r *Registry) ChannelID(botID string) string {
	if a, ok := r.Adapter(botID); ok {
		return ChannelID(a.Platform(), botID)
	}
	return ChannelID("unknown", botID)
}

// Alerter returns a logx.Alerter that pushes alert text to one chat.
func (r *Registry) Alerter(botID, to string) *Alerter {
	return &Alerter{reg: r, botID: botID, to: to}
}

type Alerter struct {
	reg   *Registry
	botID string
	to    string
}

func (a *Alerter) Alert(ctx context.Context, text string) error {
	_, err := a.reg.Push(ctx, a.botID, a.to, chat.Outbound{Type: chat.TypeText, Text: text})
	return err
}
