package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crypto-ml-trader/internal/exchange"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"
)

// wsMessage is the OKX v5 push envelope. Event is set on login, subscribe
// and error acknowledgements, Data on pushes.
type wsMessage struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

type okxTicker struct {
	InstID string `json:"instId"`
	BidPx  string `json:"bidPx"`
	BidSz  string `json:"bidSz"`
	AskPx  string `json:"askPx"`
	AskSz  string `json:"askSz"`
	Ts     string `json:"ts"`
}

type okxBook struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Ts   string     `json:"ts"`
}

type okxOrderPush struct {
	InstID string `json:"instId"`
	OrdID  string `json:"ordId"`
	AlgoID string `json:"algoId"`
	State  string `json:"state"`
	AvgPx  string `json:"avgPx"`
	CTime  string `json:"cTime"`
}

type okxAccountPush struct {
	UTime   string `json:"uTime"`
	Details []struct {
		Ccy      string `json:"ccy"`
		CashBal  string `json:"cashBal"`
		AvailBal string `json:"availBal"`
	} `json:"details"`
}

// CandleChannel is the OKX channel name of a candle interval: candle1m, candle1H, candle1D.
func CandleChannel(interval time.Duration) (string, error) {
	switch {
	case interval >= 24*time.Hour && interval%(24*time.Hour) == 0:
		return fmt.Sprintf("candle%dD", interval/(24*time.Hour)), nil
	case interval >= time.Hour && interval%time.Hour == 0:
		return fmt.Sprintf("candle%dH", interval/time.Hour), nil
	case interval >= time.Minute && interval%time.Minute == 0:
		return fmt.Sprintf("candle%dm", interval/time.Minute), nil
	}
	return "", fmt.Errorf("%w: okx has no candle channel for %s", service.ErrFatal, interval)
}

func candleInterval(channel string) (time.Duration, error) {
	return service.ParseIntervalDuration(strings.TrimPrefix(channel, "candle"))
}

func num(s string) (float64, error) {
	v, err := service.StringToFloat(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", service.ErrProtocol, s)
	}
	return v, nil
}

func millis(s string) (time.Time, error) {
	ms, err := service.StringToInt64(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", service.ErrProtocol, s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// parseTickers converts a tickers push. Rows without both sides are skipped.
func parseTickers(symbol string, data json.RawMessage) ([]model.Tick, error) {
	var raw []okxTicker
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: tickers: %v", service.ErrProtocol, err)
	}
	out := make([]model.Tick, 0, len(raw))
	for _, r := range raw {
		if r.BidPx == "" || r.AskPx == "" {
			continue
		}
		at, err := millis(r.Ts)
		if err != nil {
			return nil, err
		}
		bid, err := num(r.BidPx)
		if err != nil {
			return nil, err
		}
		ask, err := num(r.AskPx)
		if err != nil {
			return nil, err
		}
		bidVol, _ := service.StringToFloat(r.BidSz)
		askVol, _ := service.StringToFloat(r.AskSz)
		out = append(out, model.Tick{Datetime: at, Symbol: symbol, Bid: bid, BidVol: bidVol, Ask: ask, AskVol: askVol})
	}
	return out, nil
}

// parseBooks converts a books5 push into one level2 snapshot per book.
func parseBooks(symbol string, data json.RawMessage) ([][]model.Level2Row, error) {
	var raw []okxBook
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: books: %v", service.ErrProtocol, err)
	}
	out := make([][]model.Level2Row, 0, len(raw))
	for _, book := range raw {
		at, err := millis(book.Ts)
		if err != nil {
			return nil, err
		}
		rows := make([]model.Level2Row, 0, len(book.Bids)+len(book.Asks))
		for _, side := range []struct {
			side   model.BookSide
			levels [][]string
		}{{model.BookBid, book.Bids}, {model.BookAsk, book.Asks}} {
			for _, level := range side.levels {
				if len(level) < 2 {
					return nil, fmt.Errorf("%w: short book level %v", service.ErrProtocol, level)
				}
				price, err := num(level[0])
				if err != nil {
					return nil, err
				}
				vol, err := num(level[1])
				if err != nil {
					return nil, err
				}
				rows = append(rows, model.Level2Row{Datetime: at, Symbol: symbol, Side: side.side, Price: price, Vol: vol})
			}
		}
		out = append(out, rows)
	}
	return out, nil
}

// parseCandles converts a candle push. OKX stamps candles with their open time
// and repeats the row on every update of the bucket; each update is stamped
// with the bucket end so all of them land on the same candle.
func parseCandles(symbol string, interval time.Duration, data json.RawMessage) ([]model.CandleEvent, error) {
	var raw [][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: candles: %v", service.ErrProtocol, err)
	}
	out := make([]model.CandleEvent, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: short candle row %v", service.ErrProtocol, row)
		}
		openTime, err := millis(row[0])
		if err != nil {
			return nil, err
		}
		var ohlcv [5]float64
		for i := range ohlcv {
			if ohlcv[i], err = num(row[i+1]); err != nil {
				return nil, err
			}
		}

		out = append(out, model.CandleEvent{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  openTime,
			CloseTime: openTime.Add(interval),
			Open:      ohlcv[0],
			High:      ohlcv[1],
			Low:       ohlcv[2],
			Close:     ohlcv[3],
			Vol:       ohlcv[4],
		})
	}
	return out, nil
}

// parseOrders converts an orders push. Orders spawned by an algo order carry
// the algo id so that they match the trigger id the broker holds.
func parseOrders(data json.RawMessage) ([]model.OrderUpdate, error) {
	var raw []okxOrderPush
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: orders: %v", service.ErrProtocol, err)
	}
	out := make([]model.OrderUpdate, 0, len(raw))
	for _, r := range raw {
		status, err := exchange.OrderStatus(r.State)
		if err != nil {
			return nil, err
		}
		id := r.OrdID
		if r.AlgoID != "" {
			id = exchange.AlgoPrefix + r.AlgoID
		}
		avg, _ := service.StringToFloat(r.AvgPx)
		created, _ := millis(r.CTime)
		out = append(out, model.OrderUpdate{
			OrderID:       id,
			Symbol:        r.InstID,
			Status:        status,
			TradeAvgPrice: avg,
			CreatedAt:     created,
		})
	}
	return out, nil
}

// parseAccount flattens an account push into one balance line per currency.
func parseAccount(data json.RawMessage) ([]model.Balance, error) {
	var raw []okxAccountPush
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: account: %v", service.ErrProtocol, err)
	}
	var out []model.Balance
	for _, acc := range raw {
		at, err := millis(acc.UTime)
		if err != nil {
			return nil, err
		}
		for _, d := range acc.Details {
			bal, err := num(d.CashBal)
			if err != nil {
				return nil, err
			}
			avail, _ := service.StringToFloat(d.AvailBal)
			out = append(out, model.Balance{Time: at, Asset: d.Ccy, Balance: bal, Available: avail})
		}
	}
	return out, nil
}
