package inspector

// Config is shared by every inspection on a listener and never changes after
// NewConfig returns.
type Config struct {
	maxInspectSize int
	stats          *Stats
}

func NewConfig(stats *Stats, maxInspectSize int) (*Config, error) {
	if maxInspectSize == 0 {
		maxInspectSize = MaxInspectSize
	}
	if maxInspectSize < 1 || maxInspectSize > MaxInspectSize {
		return nil, ErrInvalidSize
	}
	if stats == nil {
		// Unregistered counters still count; nothing scrapes them.
		stats, _ = NewStats(nil, "")
	}

	return &Config{
		maxInspectSize: maxInspectSize,
		stats:          stats,
	}, nil
}

func (c *Config) MaxInspectSize() int {
	return c.maxInspectSize
}

func (c *Config) Stats() *Stats {
	return c.stats
}
