// Package rates aggregates public USDT/RUB tickers from several exchanges.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/xtrntr/p2pmarket/internal/models"
)

// Provider fetches one exchange's quote
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (models.ExchangeRate, error)
}

var errNoQuote = errors.New("no quote in response")

// parseFunc extracts the last price and the 24h change in percent
type parseFunc func(body []byte) (rate, change float64, err error)

type httpProvider struct {
	name   string
	url    string
	parse  parseFunc
	client *http.Client
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) Fetch(ctx context.Context) (models.ExchangeRate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return models.ExchangeRate{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.ExchangeRate{}, fmt.Errorf("failed to fetch %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.ExchangeRate{}, fmt.Errorf("%s returned status %d", p.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.ExchangeRate{}, fmt.Errorf("failed to read %s response: %w", p.name, err)
	}

	rate, change, err := p.parse(body)
	if err != nil {
		return models.ExchangeRate{}, fmt.Errorf("failed to parse %s response: %w", p.name, err)
	}
	if rate <= 0 {
		return models.ExchangeRate{}, fmt.Errorf("%s: %w", p.name, errNoQuote)
	}
	return models.ExchangeRate{Exchange: p.name, Rate: rate, Change: change}, nil
}

type endpoint struct {
	name  string
	url   string
	parse parseFunc
}

var endpoints = []endpoint{
	{"Binance", "https://api.binance.com/api/v3/ticker/24hr?symbol=USDTRUB", parseBinanceLike},
	{"Bybit", "https://api.bybit.com/v5/market/tickers?category=spot&symbol=USDTRUB", parseBybit},
	{"OKX", "https://www.okx.com/api/v5/market/ticker?instId=USDT-RUB", parseOKX},
	{"Coinbase", "https://api.coinbase.com/v2/exchange-rates?currency=USDT", parseCoinbase},
	{"KuCoin", "https://api.kucoin.com/api/v1/market/stats?symbol=USDT-RUB", parseKuCoin},
	{"MEXC", "https://api.mexc.com/api/v3/ticker/24hr?symbol=USDTRUB", parseBinanceLike},
	{"Bitget", "https://api.bitget.com/api/spot/v1/market/ticker?symbol=USDTRUB_SPBL", parseBitget},
	{"HTX", "https://api.huobi.pro/market/detail/merged?symbol=usdtrub", parseHTX},
	{"Gate.io", "https://api.gateio.ws/api/v4/spot/tickers?currency_pair=USDT_RUB", parseGate},
}

// DefaultProviders returns the exchanges queried in production, in display
// order.
func DefaultProviders(client *http.Client) []Provider {
	if client == nil {
		client = http.DefaultClient
	}
	out := make([]Provider, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, &httpProvider{name: e.name, url: e.url, parse: e.parse, client: client})
	}
	return out
}

func num(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseBinanceLike(body []byte) (float64, float64, error) {
	var v struct {
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, err
	}
	return pair(v.LastPrice, v.PriceChangePercent, 1)
}

func parseBybit(body []byte) (float64, float64, error) {
	var v struct {
		Result struct {
			List []struct {
				LastPrice    string `json:"lastPrice"`
				Price24hPcnt string `json:"price24hPcnt"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, err
	}
	if len(v.Result.List) == 0 {
		return 0, 0, errNoQuote
	}
	t := v.Result.List[0]
	return pair(t.LastPrice, t.Price24hPcnt, 100)
}

func parseOKX(body []byte) (float64, float64, error) {
	var v struct {
		Data []struct {
			Last          string `json:"last"`
			ChangePercent string `json:"changePercent"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, err
	}
	if len(v.Data) == 0 {
		return 0, 0, errNoQuote
	}
	return pair(v.Data[0].Last, v.Data[0].ChangePercent, 1)
}

func parseCoinbase(body []byte) (float64, float64, error) {
	var v struct {
		Data struct {
			Rates map[string]string `json:"rates"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, err
	}
	rub, ok := v.Data.Rates["RUB"]
	if !ok {
		return 0, 0, errNoQuote
	}
	return pair(rub, "", 1)
}

func parseKuCoin(body []byte) (float64, float64, error) {
	var v struct {
		Data *struct {
			Last       string `json:"last"`
			ChangeRate string `json:"changeRate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, err
	}
	if v.Data == nil {
		return 0, 0, errNoQuote
	}
	return pair(v.Data.Last, v.Data.ChangeRate, 100)
}

func parseBitget(body []byte) (float64, float64, error) {
	var v struct {
		Data *struct {
			Close   string `json:"close"`
			ChgRate string `json:"chgRate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, err
	}
	if v.Data == nil {
		return 0, 0, errNoQuote
	}
	return pair(v.Data.Close, v.Data.ChgRate, 100)
}

func parseHTX(body []byte) (float64, float64, error) {
	var v struct {
		Tick *struct {
			Open  float64 `json:"open"`
			Close float64 `json:"close"`
		} `json:"tick"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, err
	}
	if v.Tick == nil || v.Tick.Open == 0 {
		return 0, 0, errNoQuote
	}
	return v.Tick.Close, (v.Tick.Close - v.Tick.Open) / v.Tick.Open * 100, nil
}

func parseGate(body []byte) (float64, float64, error) {
	var v []struct {
		Last             string `json:"last"`
		ChangePercentage string `json:"change_percentage"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, err
	}
	if len(v) == 0 {
		return 0, 0, errNoQuote
	}
	return pair(v[0].Last, v[0].ChangePercentage, 1)
}

// pair parses a price and a change, scaling fractional changes to percent
func pair(rate, change string, scale float64) (float64, float64, error) {
	r, err := num(rate)
	if err != nil {
		return 0, 0, fmt.Errorf("bad rate %q: %w", rate, err)
	}
	c, err := num(change)
	if err != nil {
		return 0, 0, fmt.Errorf("bad change %q: %w", change, err)
	}
	return r, c * scale, nil
}
