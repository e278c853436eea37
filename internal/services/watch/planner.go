package watch

import (
	"math/rand"
	"time"

	"github.com/medifleet/dispatch/internal/models"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	// PreFlightDelay covers scheduled/preparing/loaded: nothing moves yet.
	PreFlightDelay time.Duration // default: 5 minutes

	// InFlightMinDelay/InFlightMaxDelay spread the airborne checks so a big
	// fleet does not hit the database in lockstep.
	InFlightMinDelay time.Duration // default: 30 seconds
	InFlightMaxDelay time.Duration // default: 60 seconds

	// LandedDelay covers landed/delivered: waiting on the handoff.
	LandedDelay time.Duration // default: 1 minute

	Backoff1 time.Duration // default: 1 minute
	Backoff2 time.Duration // default: 5 minutes
	Backoff3 time.Duration // default: 15 minutes
	Backoff4 time.Duration // default: 30 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		PreFlightDelay: 5 * time.Minute,

		InFlightMinDelay: 30 * time.Second,
		InFlightMaxDelay: 60 * time.Second,

		LandedDelay: 1 * time.Minute,

		Backoff1: 1 * time.Minute,
		Backoff2: 5 * time.Minute,
		Backoff3: 15 * time.Minute,
		Backoff4: 30 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.PreFlightDelay <= 0 {
		cfg.PreFlightDelay = def.PreFlightDelay
	}
	if cfg.InFlightMinDelay <= 0 {
		cfg.InFlightMinDelay = def.InFlightMinDelay
	}
	if cfg.InFlightMaxDelay <= 0 {
		cfg.InFlightMaxDelay = def.InFlightMaxDelay
	}
	if cfg.InFlightMaxDelay < cfg.InFlightMinDelay {
		cfg.InFlightMaxDelay = cfg.InFlightMinDelay
	}
	if cfg.LandedDelay <= 0 {
		cfg.LandedDelay = def.LandedDelay
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

func (p *Planner) NextCheckDelay(status models.DeliveryStatus) time.Duration {
	switch status {
	case models.DeliveryStatusScheduled, models.DeliveryStatusPreparing, models.DeliveryStatusLoaded:
		return p.cfg.PreFlightDelay
	case models.DeliveryStatusDeparted, models.DeliveryStatusInTransit, models.DeliveryStatusApproaching:
		min := p.cfg.InFlightMinDelay
		max := p.cfg.InFlightMaxDelay
		if max == min {
			return min
		}
		secMin := int(min.Seconds())
		secMax := int(max.Seconds())
		if secMax < secMin {
			secMax = secMin
		}
		return time.Duration(secMin+p.r.Intn(secMax-secMin+1)) * time.Second
	default:
		return p.cfg.LandedDelay
	}
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
