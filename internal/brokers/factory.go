package brokers

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/domain"
)

const defaultMockEquity = 100000

// New builds the adapter for one trading account. When mock is set every
// account routes through the mock adapter regardless of its configured
// broker, seeded with the account's last known equity.
func New(account *domain.Account, cfg config.BrokerConfig, mock bool, log zerolog.Logger) (domain.BrokerAdapter, error) {
	if mock || account.Broker == domain.BrokerMock {
		equity := account.Equity
		if equity <= 0 {
			equity = defaultMockEquity
		}
		return NewMock(equity, log), nil
	}

	switch account.Broker {
	case domain.BrokerIBKR:
		brokerAccountID, err := credential(account, "account_id")
		if err != nil {
			return nil, err
		}
		return NewIBKR(cfg.IBKRGatewayURL, brokerAccountID, log), nil

	case domain.BrokerBinance:
		apiKey, err := credential(account, "api_key")
		if err != nil {
			return nil, err
		}
		apiSecret, err := credential(account, "api_secret")
		if err != nil {
			return nil, err
		}
		return NewBinance(cfg.BinanceBaseURL, apiKey, apiSecret, log), nil

	case domain.BrokerZerodha:
		apiKey, err := credential(account, "api_key")
		if err != nil {
			return nil, err
		}
		accessToken, err := credential(account, "access_token")
		if err != nil {
			return nil, err
		}
		return NewZerodha(cfg.ZerodhaBaseURL, apiKey, accessToken, log), nil

	case domain.BrokerVantage:
		apiKey, err := credential(account, "api_key")
		if err != nil {
			return nil, err
		}
		apiSecret, err := credential(account, "api_secret")
		if err != nil {
			return nil, err
		}
		return NewVantage(cfg.VantageBaseURL, apiKey, apiSecret, log), nil

	default:
		return nil, fmt.Errorf("unknown broker kind %q for account %s", account.Broker, account.AccountID)
	}
}

func credential(account *domain.Account, key string) (string, error) {
	value := account.Credentials[key]
	if value == "" {
		return "", fmt.Errorf("account %s is missing the %q credential for broker %s",
			account.AccountID, key, account.Broker)
	}
	return value, nil
}
