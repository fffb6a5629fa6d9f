package hub

// Strategy selects which pooled connection carries the next message.
type Strategy string

const (
	// StrategyRoundRobin rotates through currently-healthy connections in
	// stable insertion order.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyLeastUsed picks the healthy connection with the fewest
	// messages sent so far.
	StrategyLeastUsed Strategy = "least_used"

	// StrategyHealthBased prefers healthy connections strictly over
	// unhealthy-but-connected ones; ties are broken arbitrarily. This is
	// the default.
	StrategyHealthBased Strategy = "health_based"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastUsed, StrategyHealthBased:
		return true
	}
	return false
}

// selectConn picks a connection per the pool's strategy, or nil when no
// eligible connection exists. It never returns an unhealthy connection
// while a healthy one exists. Callers must hold p.mu.
func (p *Pool) selectConn() *Conn {
	var healthy, unhealthy []*Conn
	for _, id := range p.order {
		c := p.conns[id]
		if c == nil || c.State() != StateConnected {
			continue
		}
		if c.Healthy() {
			healthy = append(healthy, c)
		} else {
			unhealthy = append(unhealthy, c)
		}
	}

	if len(healthy) > 0 {
		switch p.cfg.Strategy {
		case StrategyRoundRobin:
			c := healthy[p.rrIndex%len(healthy)]
			p.rrIndex++
			return c
		case StrategyLeastUsed:
			best := healthy[0]
			for _, c := range healthy[1:] {
				if c.Messages() < best.Messages() {
					best = c
				}
			}
			return best
		default: // health_based
			return healthy[0]
		}
	}

	// Only the health-based strategy degrades to an unhealthy-but-connected
	// connection; the others report none and let the caller keep queueing.
	if p.cfg.Strategy == StrategyHealthBased && len(unhealthy) > 0 {
		return unhealthy[0]
	}
	return nil
}
