package engine

import (
	"log/slog"

	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/pkg/config"
)

// CreateFromConfig returns the HTTP engine client for cfg.BaseURL, or the
// in-process echo engine when no base URL is configured.
func CreateFromConfig(cfg config.EngineConfig, logger *slog.Logger) ports.Engine {
	if cfg.BaseURL == "" {
		logger.Info("no engine base_url configured, using echo engine")
		return NewEcho(WithApprovalPrefix(cfg.ApprovalPrefix))
	}
	return NewClient(cfg.BaseURL,
		WithAPIKey(cfg.APIKey),
		WithConnectRetries(cfg.ConnectRetries),
		WithConnectTimeout(cfg.Timeout),
		WithLogger(logger),
	)
}
