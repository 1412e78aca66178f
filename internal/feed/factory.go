package feed

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/arbfeed/internal/config"
	"github.com/alanyoungcy/arbfeed/internal/domain"
	"github.com/alanyoungcy/arbfeed/internal/platform/kalshi"
	"github.com/alanyoungcy/arbfeed/internal/platform/polymarket"
)

// ExchangeFactory returns a StreamFactory producing fresh, unconnected
// streams for the exchange named in cfg.Feed.Exchange.
func ExchangeFactory(cfg *config.Config, logger *slog.Logger) (domain.StreamFactory, error) {
	switch strings.ToLower(cfg.Feed.Exchange) {
	case polymarket.ExchangeName:
		url := strings.TrimRight(cfg.Polymarket.WsHost, "/") + "/ws/market"
		return domain.StreamFactoryFunc(func() domain.MarketDataStream {
			return polymarket.NewStream(url, logger)
		}), nil

	case kalshi.ExchangeName:
		var signer *kalshi.Signer
		if cfg.Kalshi.ApiKey != "" {
			pem, err := os.ReadFile(cfg.Kalshi.RsaPrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("feed/factory: read kalshi key: %w", err)
			}
			signer, err = kalshi.NewSigner(cfg.Kalshi.ApiKey, pem)
			if err != nil {
				return nil, fmt.Errorf("feed/factory: %w", err)
			}
		}
		url := cfg.Kalshi.WsURL
		return domain.StreamFactoryFunc(func() domain.MarketDataStream {
			return kalshi.NewStream(url, signer, logger)
		}), nil
	}
	return nil, fmt.Errorf("feed/factory: %q: %w", cfg.Feed.Exchange, domain.ErrUnknownExchange)
}
