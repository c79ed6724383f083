package bus

import (
	"github.com/adt-sh/adt/internal/common/config"
	"github.com/adt-sh/adt/internal/common/logger"
)

// New selects the bus backend: NATS when a URL is configured, otherwise
// the in-memory bus.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL != "" {
		return NewNATSEventBus(cfg, log)
	}
	return NewMemoryEventBus(log), nil
}
