package rates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/metrics"
	"github.com/xtrntr/p2pmarket/internal/models"
)

const (
	BinanceP2PURL   = "https://p2p.binance.com/bapi/c2c/v2/friendly/c2c/adv/search"
	ExchangeRateURL = "https://api.exchangerate-api.com/v4/latest/USD"

	SourceBinanceP2P   = "Binance P2P"
	SourceExchangeRate = "exchangerate-api.com"
	SourceFallback     = "fallback"

	// FallbackP2PRate is served when neither upstream answers
	FallbackP2PRate = 100.0

	P2PCacheKey = "rates:usdt_rub:p2p"

	p2pAdverts = 5
)

// P2PSource quotes the average price of the top Binance P2P adverts buying
// USDT for RUB, falling back to the USD/RUB reference rate.
type P2PSource struct {
	client      *http.Client
	searchURL   string
	fallbackURL string
	timeout     time.Duration
	logger      *zap.Logger
}

func NewP2PSource(client *http.Client, timeout time.Duration, logger *zap.Logger) *P2PSource {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &P2PSource{
		client:      client,
		searchURL:   BinanceP2PURL,
		fallbackURL: ExchangeRateURL,
		timeout:     timeout,
		logger:      logger,
	}
}

// Rate never fails; the last resort is FallbackP2PRate
func (s *P2PSource) Rate(ctx context.Context) models.P2PRate {
	rate, err := s.binance(ctx)
	if err == nil {
		return models.P2PRate{Rate: rate, Source: SourceBinanceP2P}
	}
	metrics.RateProviderFailed(SourceBinanceP2P)
	s.logger.Debug("binance p2p quote failed", zap.Error(err))

	rate, err = s.reference(ctx)
	if err == nil {
		return models.P2PRate{Rate: rate, Source: SourceExchangeRate}
	}
	metrics.RateProviderFailed(SourceExchangeRate)
	s.logger.Warn("reference rate failed, serving fallback", zap.Error(err))
	return models.P2PRate{Rate: FallbackP2PRate, Source: SourceFallback}
}

type p2pSearch struct {
	Asset         string `json:"asset"`
	Fiat          string `json:"fiat"`
	MerchantCheck bool   `json:"merchantCheck"`
	Page          int    `json:"page"`
	Rows          int    `json:"rows"`
	TradeType     string `json:"tradeType"`
}

func (s *P2PSource) binance(ctx context.Context) (float64, error) {
	payload, err := json.Marshal(p2pSearch{Asset: "USDT", Fiat: "RUB", MerchantCheck: true, Page: 1, Rows: 10, TradeType: "BUY"})
	if err != nil {
		return 0, err
	}
	body, err := s.do(ctx, http.MethodPost, s.searchURL, payload)
	if err != nil {
		return 0, err
	}
	return parseP2PAdverts(body)
}

func (s *P2PSource) reference(ctx context.Context) (float64, error) {
	body, err := s.do(ctx, http.MethodGet, s.fallbackURL, nil)
	if err != nil {
		return 0, err
	}
	return parseReferenceRUB(body)
}

func (s *P2PSource) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// parseP2PAdverts averages the first adverts' prices, rounded to kopecks
func parseP2PAdverts(body []byte) (float64, error) {
	var v struct {
		Data []struct {
			Adv struct {
				Price string `json:"price"`
			} `json:"adv"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, err
	}
	if len(v.Data) == 0 {
		return 0, errNoQuote
	}
	ads := v.Data[:min(len(v.Data), p2pAdverts)]
	sum := decimal.Zero
	for _, d := range ads {
		price, err := decimal.NewFromString(d.Adv.Price)
		if err != nil {
			return 0, fmt.Errorf("bad advert price %q: %w", d.Adv.Price, err)
		}
		sum = sum.Add(price)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(ads)))).Round(2)
	if !avg.IsPositive() {
		return 0, errNoQuote
	}
	return avg.InexactFloat64(), nil
}

func parseReferenceRUB(body []byte) (float64, error) {
	var v struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, err
	}
	rub, ok := v.Rates["RUB"]
	if !ok || rub <= 0 {
		return 0, errNoQuote
	}
	return decimal.NewFromFloat(rub).Round(2).InexactFloat64(), nil
}
