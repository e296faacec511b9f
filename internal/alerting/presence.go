package alerting

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"nearby-alerts/internal/logging"
	"nearby-alerts/internal/observability"
)

// Banner is the persistent status shown while the tracker runs.
type Banner struct {
	Title string
	Text  string
}

// DefaultBanner is announced when the tracker enters the foreground.
var DefaultBanner = Banner{Title: "Tracking Partners", Text: "Tracking location..."}

// Presence keeps the tracker visible while it runs: it flips the foreground gauge and,
// when announce is set, sends the banner once through the notifier.
type Presence struct {
	notifier Notifier
	announce bool
	logger   zerolog.Logger

	mu     sync.Mutex
	active bool
}

// NewPresence constructs a Presence. notifier may be nil when announce is false.
func NewPresence(notifier Notifier, announce bool, logger zerolog.Logger) *Presence {
	return &Presence{
		notifier: notifier,
		announce: announce,
		logger:   logging.Component(logger, "presence"),
	}
}

// EnterForeground marks the tracker as visible.
func (p *Presence) EnterForeground(ctx context.Context, banner Banner) error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return nil
	}
	p.active = true
	p.mu.Unlock()

	observability.SetForeground(true)
	p.logger.Info().Str("title", banner.Title).Msg("entered foreground")

	if p.announce && p.notifier != nil {
		if err := p.notifier.Notify(ctx, Notification{Title: banner.Title, Body: banner.Text}); err != nil {
			p.logger.Warn().Err(err).Msg("foreground banner not delivered")
		}
	}
	return nil
}

// LeaveForeground clears the visible state. It is safe to call when not in the foreground.
func (p *Presence) LeaveForeground(context.Context) error {
	p.mu.Lock()
	wasActive := p.active
	p.active = false
	p.mu.Unlock()

	if wasActive {
		observability.SetForeground(false)
		p.logger.Info().Msg("left foreground")
	}
	return nil
}

// Active reports whether foreground presence is held.
func (p *Presence) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
