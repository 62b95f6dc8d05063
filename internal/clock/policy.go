package clock

import "time"

const (
	DefaultDemoInterval   = 5 * time.Minute
	DefaultDemoSchedule   = "* * * * *"
	DefaultNormalSchedule = "0 9 * * *"
)

// Policy decides when a subscription renews and how often the renewal
// sweep runs. Demo mode uses a short fixed interval so a full renewal cycle
// can be watched in minutes.
type Policy struct {
	Demo           bool
	DemoInterval   time.Duration
	DemoSchedule   string
	NormalSchedule string
}

// NextRenewalAfter returns the renewal time for a grant made at base.
func (p Policy) NextRenewalAfter(base time.Time) time.Time {
	if p.Demo {
		interval := p.DemoInterval
		if interval <= 0 {
			interval = DefaultDemoInterval
		}
		return base.Add(interval)
	}
	return AddMonths(base, 1)
}

// SweepSchedule returns the cron expression the renewal sweep runs on.
func (p Policy) SweepSchedule() string {
	if p.Demo {
		if p.DemoSchedule != "" {
			return p.DemoSchedule
		}
		return DefaultDemoSchedule
	}
	if p.NormalSchedule != "" {
		return p.NormalSchedule
	}
	return DefaultNormalSchedule
}

// Describe is a short human label for logs and order descriptions.
func (p Policy) Describe() string {
	if p.Demo {
		interval := p.DemoInterval
		if interval <= 0 {
			interval = DefaultDemoInterval
		}
		return "renews every " + interval.String()
	}
	return "renews monthly"
}
