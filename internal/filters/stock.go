package filters

import (
	"log/slog"

	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/filter"
)

// Stock returns the built-in filters configured from cfg.
func Stock(cfg *config.Config, logger *slog.Logger) []filter.Filter {
	return []filter.Filter{
		NewRequestID(),
		NewDebug(cfg.Server.Debug),
		NewRoute(cfg.Routes),
		NewThrottle(cfg.Origins, logger),
		NewResponseHeaders(),
	}
}
