package oob

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/klyr/klyrscan/internal/issue"
	"github.com/rs/zerolog"
)

type pending struct {
	finding *issue.Finding
	at      time.Time
}

// Registry hands out payload tokens and holds the finding each token
// confirms. A finding is emitted once, on the first interaction whose full id
// contains its token.
type Registry struct {
	client Client
	expiry time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pending
}

func NewRegistry(client Client, expiry time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		client:  client,
		expiry:  expiry,
		logger:  logger.With().Str("component", "oob").Logger(),
		now:     time.Now,
		pending: make(map[string]pending),
	}
}

// NewToken returns a fresh token and the domain embedding it.
func (r *Registry) NewToken() (string, string) {
	token := newID(20)
	return token, token + "." + r.client.Domain()
}

// Register records the finding to emit when token calls back. Registering
// the same token again replaces the finding.
func (r *Registry) Register(token string, finding *issue.Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[strings.ToLower(token)] = pending{finding: finding, at: r.now()}
	r.logger.Debug().Str("token", token).Str("name", finding.Name).Msg("oob payload registered")
}

func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Correlate removes and returns the findings confirmed by interactions.
func (r *Registry) Correlate(interactions []Interaction) []*issue.Finding {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*issue.Finding
	for _, in := range interactions {
		fullID := strings.ToLower(in.FullID)
		for token, p := range r.pending {
			if !strings.Contains(fullID, token) {
				continue
			}
			delete(r.pending, token)
			out = append(out, p.finding)
			r.logger.Info().
				Str("token", token).
				Str("protocol", in.Protocol).
				Str("remote", in.RemoteAddress).
				Str("name", p.finding.Name).
				Msg("oob interaction")
			break
		}
	}
	return out
}

// Expire drops registrations older than the expiry and returns how many.
func (r *Registry) Expire() int {
	if r.expiry <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.expiry)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, p := range r.pending {
		if p.at.Before(cutoff) {
			delete(r.pending, token)
			n++
		}
	}
	return n
}

// Run polls every interval until ctx is done, passing confirmed findings to
// emit. Poll errors are logged and retried on the next tick.
func (r *Registry) Run(ctx context.Context, interval time.Duration, emit func(*issue.Finding)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PollOnce(ctx, emit)
		}
	}
}

// PollOnce runs a single poll and correlation round.
func (r *Registry) PollOnce(ctx context.Context, emit func(*issue.Finding)) {
	interactions, err := r.client.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("oob poll failed")
		}
		return
	}
	for _, f := range r.Correlate(interactions) {
		emit(f)
	}
	if n := r.Expire(); n > 0 {
		r.logger.Debug().Int("expired", n).Msg("oob registrations expired")
	}
}
