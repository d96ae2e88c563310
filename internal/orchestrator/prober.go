package orchestrator

import (
	"context"
	"time"

	"verse-sync/internal/logging"
)

type HealthChecker interface {
	Health(ctx context.Context) error
}

type OnlineSetter interface {
	SetOnline(online bool)
}

// Prober polls the server health endpoint and reports connectivity
// transitions.
type Prober struct {
	checker  HealthChecker
	target   OnlineSetter
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger

	known  bool
	online bool
}

func NewProber(checker HealthChecker, target OnlineSetter, interval time.Duration, logger *logging.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Prober{checker: checker, target: target, interval: interval, timeout: timeout, logger: logger}
}

func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe checks once and calls SetOnline if the result differs from the
// previous probe.
func (p *Prober) Probe(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.checker.Health(cctx)
	cancel()
	if ctx.Err() != nil {
		return p.online
	}
	online := err == nil
	if err != nil {
		p.logger.Debugf("health probe failed: %v", err)
	}
	if !p.known || online != p.online {
		p.known = true
		p.online = online
		p.target.SetOnline(online)
	}
	return online
}
