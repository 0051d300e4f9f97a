// Package hooks is the entry point business code uses to announce state
// changes that were committed to the store.
//
// Hooks never return errors and never panic. A failed broadcast is logged
// and counted; the caller's transaction has already succeeded and must not
// be affected by fan-out problems. Agent and session hooks also keep the
// tenancy directory, and optionally the tenancy tables, current.
package hooks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/internal/broadcast"
	"github.com/agent-workspace/realtime/internal/metrics"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/internal/tenancy"
)

// Store mirrors ownership changes into the tenancy tables.
type Store interface {
	SaveAgent(ctx context.Context, agent model.AgentOwnership, name, status string) error
	DeleteAgent(ctx context.Context, agentID string) error
	SaveSession(ctx context.Context, session model.SessionOwnership, status string) error
}

// Hooks groups the hooks by domain.
type Hooks struct {
	Agent   *AgentHooks
	Session *SessionHooks
	Message *MessageHooks
	Tool    *ToolHooks
}

// New creates the hooks. directory and store may be nil.
func New(svc *broadcast.Service, directory *tenancy.Directory, store Store, logger zerolog.Logger) *Hooks {
	if directory == nil {
		directory = tenancy.NewDirectory()
	}
	b := &base{
		svc:       svc,
		directory: directory,
		store:     store,
		logger:    logger.With().Str("component", "hooks").Logger(),
	}
	return &Hooks{
		Agent:   &AgentHooks{b},
		Session: &SessionHooks{b},
		Message: &MessageHooks{b},
		Tool:    &ToolHooks{b},
	}
}

type base struct {
	svc       *broadcast.Service
	directory *tenancy.Directory
	store     Store
	logger    zerolog.Logger
}

// run calls fn and absorbs its error or panic.
func (b *base) run(ctx context.Context, hook string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BroadcastErrors.WithLabelValues(hook).Inc()
			b.logger.Error().
				Str("hook", hook).
				Str("panic", fmt.Sprint(r)).
				Msg("hook panicked")
		}
	}()

	if err := fn(ctx); err != nil {
		metrics.BroadcastErrors.WithLabelValues(hook).Inc()
		b.logger.Error().Err(err).Str("hook", hook).Msg("hook failed")
	}
}

// mirror writes to the store when one is configured. Failures are logged
// only; the directory already reflects the change.
func (b *base) mirror(ctx context.Context, hook string, fn func(ctx context.Context, s Store) error) {
	if b.store == nil {
		return
	}
	b.run(ctx, hook+"_store", func(ctx context.Context) error {
		return fn(ctx, b.store)
	})
}
