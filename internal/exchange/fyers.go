package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/proxyhifi-dev/lords/internal/market"
)

// Fyers implements Exchange on top of the resilient Client.
type Fyers struct {
	client *Client
}

func NewFyers(client *Client) *Fyers {
	return &Fyers{client: client}
}

func (f *Fyers) Name() string {
	return "fyers"
}

// Client exposes the underlying pipeline for breaker inspection.
func (f *Fyers) Client() *Client {
	return f.client
}

func (f *Fyers) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	resp, err := f.client.Do(ctx, Request{
		Method:         http.MethodPost,
		Path:           "/orders/sync",
		Body:           req,
		Group:          GroupTrading,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return OrderAck{}, fmt.Errorf("place order %s: %w", req.Symbol, err)
	}
	return ackFrom(resp), nil
}

func (f *Fyers) ModifyOrder(ctx context.Context, req ModifyRequest) (OrderAck, error) {
	resp, err := f.client.Do(ctx, Request{
		Method:         http.MethodPatch,
		Path:           "/orders/sync",
		Body:           req,
		Group:          GroupTrading,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return OrderAck{}, fmt.Errorf("modify order %s: %w", req.ID, err)
	}
	return ackFrom(resp), nil
}

func (f *Fyers) CancelOrder(ctx context.Context, req CancelRequest) (OrderAck, error) {
	resp, err := f.client.Do(ctx, Request{
		Method:         http.MethodDelete,
		Path:           "/orders/sync",
		Body:           req,
		Group:          GroupTrading,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return OrderAck{}, fmt.Errorf("cancel order %s: %w", req.ID, err)
	}
	return ackFrom(resp), nil
}

func (f *Fyers) Orders(ctx context.Context) ([]BrokerOrder, error) {
	resp, err := f.client.Do(ctx, Request{Method: http.MethodGet, Path: "/orders"})
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	var out struct {
		OrderBook []BrokerOrder `json:"orderBook"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return out.OrderBook, nil
}

type brokerPosition struct {
	Symbol  string  `json:"symbol"`
	NetQty  int     `json:"netQty"`
	Qty     int     `json:"qty"`
	NetAvg  float64 `json:"netAvg"`
	AvgPx   float64 `json:"avgPrice"`
	LTP     float64 `json:"ltp"`
	PL      float64 `json:"pl"`
	RealPL  float64 `json:"realized_profit"`
	UnrealP float64 `json:"unrealized_profit"`
}

// Positions returns open and closed positions for the day.
func (f *Fyers) Positions(ctx context.Context) ([]market.Position, error) {
	resp, err := f.client.Do(ctx, Request{Method: http.MethodGet, Path: "/positions"})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	var out struct {
		NetPositions []brokerPosition `json:"netPositions"`
		Positions    []brokerPosition `json:"positions"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	rows := out.NetPositions
	if len(rows) == 0 {
		rows = out.Positions
	}
	positions := make([]market.Position, 0, len(rows))
	for _, p := range rows {
		qty := p.NetQty
		if qty == 0 {
			qty = p.Qty
		}
		avg := p.NetAvg
		if avg == 0 {
			avg = p.AvgPx
		}
		pnl := p.PL
		if pnl == 0 {
			pnl = p.RealPL + p.UnrealP
		}
		positions = append(positions, market.Position{Symbol: p.Symbol, NetQty: qty, AvgPrice: avg, LTP: p.LTP, PnL: pnl})
	}
	return positions, nil
}

// Trades returns the day's trade book as raw rows.
func (f *Fyers) Trades(ctx context.Context) ([]map[string]any, error) {
	resp, err := f.client.Do(ctx, Request{Method: http.MethodGet, Path: "/tradebook"})
	if err != nil {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}
	var out struct {
		TradeBook []map[string]any `json:"tradeBook"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return out.TradeBook, nil
}

// Funds returns fund limits keyed by title, e.g. "Available Balance".
func (f *Fyers) Funds(ctx context.Context) (map[string]float64, error) {
	resp, err := f.client.Do(ctx, Request{Method: http.MethodGet, Path: "/funds"})
	if err != nil {
		return nil, fmt.Errorf("fetch funds: %w", err)
	}
	var out struct {
		FundLimit []struct {
			Title        string  `json:"title"`
			EquityAmount float64 `json:"equityAmount"`
		} `json:"fund_limit"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode funds: %w", err)
	}
	funds := make(map[string]float64, len(out.FundLimit))
	for _, l := range out.FundLimit {
		funds[l.Title] = l.EquityAmount
	}
	return funds, nil
}

func (f *Fyers) Profile(ctx context.Context) (map[string]any, error) {
	resp, err := f.client.Do(ctx, Request{Method: http.MethodGet, Path: "/profile"})
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	data, _ := resp.Body["data"].(map[string]any)
	return data, nil
}

func (f *Fyers) Quotes(ctx context.Context, symbols ...string) ([]market.Quote, error) {
	resp, err := f.client.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   "/quotes",
		Query:  url.Values{"symbols": {strings.Join(symbols, ",")}},
		Group:  GroupData,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch quotes: %w", err)
	}
	var out struct {
		D []struct {
			N string `json:"n"`
			S string `json:"s"`
			V struct {
				LP     float64 `json:"lp"`
				Bid    float64 `json:"bid"`
				Ask    float64 `json:"ask"`
				Symbol string  `json:"symbol"`
				TT     any     `json:"tt"`
			} `json:"v"`
		} `json:"d"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}
	quotes := make([]market.Quote, 0, len(out.D))
	for _, d := range out.D {
		if d.S != "" && d.S != "ok" {
			continue
		}
		sym := d.N
		if sym == "" {
			sym = d.V.Symbol
		}
		ts := parseTimestamp(d.V.TT)
		if ts.IsZero() {
			ts = time.Now()
		}
		quotes = append(quotes, market.Quote{Symbol: sym, LTP: d.V.LP, Bid: d.V.Bid, Ask: d.V.Ask, Timestamp: ts})
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quotes returned for %s", strings.Join(symbols, ","))
	}
	return quotes, nil
}

// OptionChain fetches strikeCount strikes on each side of the money for symbol.
func (f *Fyers) OptionChain(ctx context.Context, symbol string, strikeCount int) ([]market.OptionContract, error) {
	resp, err := f.client.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   "/options-chain-v3",
		Query: url.Values{
			"symbol":      {symbol},
			"strikecount": {strconv.Itoa(strikeCount)},
			"timestamp":   {""},
		},
		Group: GroupData,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch option chain %s: %w", symbol, err)
	}
	var out struct {
		Data struct {
			ExpiryData []struct {
				Date   string `json:"date"`
				Expiry any    `json:"expiry"`
			} `json:"expiryData"`
			OptionsChain []struct {
				Symbol      string  `json:"symbol"`
				StrikePrice float64 `json:"strike_price"`
				OptionType  string  `json:"option_type"`
				LTP         float64 `json:"ltp"`
				Expiry      any     `json:"expiry"`
			} `json:"optionsChain"`
		} `json:"data"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode option chain: %w", err)
	}

	var chainExpiry time.Time
	if len(out.Data.ExpiryData) > 0 {
		chainExpiry = parseTimestamp(out.Data.ExpiryData[0].Expiry)
	}
	contracts := make([]market.OptionContract, 0, len(out.Data.OptionsChain))
	for _, row := range out.Data.OptionsChain {
		var typ market.OptionType
		switch strings.ToUpper(row.OptionType) {
		case "CE":
			typ = market.Call
		case "PE":
			typ = market.Put
		default:
			continue // the underlying itself is listed without a type
		}
		expiry := parseTimestamp(row.Expiry)
		if expiry.IsZero() {
			expiry = chainExpiry
		}
		contracts = append(contracts, market.OptionContract{
			Symbol: row.Symbol,
			Strike: row.StrikePrice,
			Type:   typ,
			Expiry: expiry,
			LTP:    row.LTP,
		})
	}
	return contracts, nil
}

// parseExpiry accepts unix seconds (number or string) or an ISO date.
func parseTimestamp(v any) time.Time {
	switch e := v.(type) {
	case float64:
		return time.Unix(int64(e), 0)
	case string:
		if e == "" {
			return time.Time{}
		}
		if n, err := strconv.ParseInt(e, 10, 64); err == nil {
			return time.Unix(n, 0)
		}
		if len(e) >= 10 {
			if t, err := time.Parse("2006-01-02", e[:10]); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func ackFrom(resp Response) OrderAck {
	return OrderAck{ID: idOf(resp.Body["id"]), Message: messageOf(resp.Body)}
}

func idOf(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	}
	return ""
}
