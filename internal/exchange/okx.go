package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlgoPrefix marks order ids that refer to OKX algo (trigger) orders.
const AlgoPrefix = "algo:"

const okxTimeLayout = "2006-01-02T15:04:05.000Z"

// SignOKX returns base64(HMAC-SHA256(secret, prehash)), the signature used by
// both the REST headers and the websocket login.
func SignOKX(secret, prehash string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// OKX is the REST adapter for the OKX v5 API.
type OKX struct {
	cfg       service.OKXConfig
	precision Precision
	client    *http.Client
	logger    *zap.Logger
	now       func() time.Time

	Retries   int
	RetryBase time.Duration
}

func NewOKX(cfg service.OKXConfig, precision Precision, logger *zap.Logger) *OKX {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OKX{
		cfg:       cfg,
		precision: precision,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.Named("okx"),
		now:       time.Now,
		Retries:   3,
		RetryBase: 200 * time.Millisecond,
	}
}

func (o *OKX) Name() string { return "okx" }

type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type okxAck struct {
	OrdID  string `json:"ordId"`
	AlgoID string `json:"algoId"`
	SCode  string `json:"sCode"`
	SMsg   string `json:"sMsg"`
}

type okxOrder struct {
	OrdID   string `json:"ordId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	State   string `json:"state"`
	Sz      string `json:"sz"`
	Px      string `json:"px"`
	AvgPx   string `json:"avgPx"`
	CTime   string `json:"cTime"`
}

type okxAlgoOrder struct {
	AlgoID      string `json:"algoId"`
	InstID      string `json:"instId"`
	Side        string `json:"side"`
	State       string `json:"state"`
	Sz          string `json:"sz"`
	SlTriggerPx string `json:"slTriggerPx"`
	TpTriggerPx string `json:"tpTriggerPx"`
	OrdID       string `json:"ordId"`
	CTime       string `json:"cTime"`
}

// do sends a signed request and decodes data into out.
func (o *OKX) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.cfg.RESTURL, "/")+requestPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	ts := o.now().UTC().Format(okxTimeLayout)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", o.cfg.APIKey)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.cfg.Passphrase)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-SIGN", SignOKX(o.cfg.SecretKey, ts+method+requestPath+string(payload)))

	resp, err := o.client.Do(req)
	if err != nil {
		// timeouts, resets and refused connections alike
		return fmt.Errorf("%w: %s %s: %v", service.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s %s: status %d", service.ErrTransient, method, path, resp.StatusCode)
	}

	var envelope okxResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: decode %s: %v", service.ErrProtocol, path, err)
	}
	if envelope.Code != "0" {
		if acks := parseAcks(envelope.Data); acks != "" {
			return fmt.Errorf("%w: %s: code %s %s (%s)", service.ErrRejected, path, envelope.Code, envelope.Msg, acks)
		}
		return fmt.Errorf("%w: %s: code %s %s", service.ErrRejected, path, envelope.Code, envelope.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decode %s data: %v", service.ErrProtocol, path, err)
	}
	return nil
}

func parseAcks(raw json.RawMessage) string {
	var acks []okxAck
	if err := json.Unmarshal(raw, &acks); err != nil {
		return ""
	}
	var parts []string
	for _, a := range acks {
		if a.SCode != "" && a.SCode != "0" {
			parts = append(parts, a.SCode+" "+a.SMsg)
		}
	}
	return strings.Join(parts, "; ")
}

// get retries transient failures. Orders are never retried to avoid duplicates.
func (o *OKX) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return service.Retry(ctx, "okx GET "+path, o.Retries, o.RetryBase, func() error {
		return o.do(ctx, http.MethodGet, path, query, nil, out)
	})
}

// tdMode is cash for spot pairs and cross for derivatives.
func tdMode(symbol string) string {
	if strings.HasSuffix(symbol, "-SWAP") || strings.Count(symbol, "-") > 1 {
		return "cross"
	}
	return "cash"
}

func instType(symbol string) string {
	if tdMode(symbol) == "cash" {
		return "SPOT"
	}
	return "SWAP"
}

func okxSide(side model.Side) string {
	return strings.ToLower(side.String())
}

func clientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (o *OKX) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error) {
	body := map[string]string{
		"instId":  req.Symbol,
		"tdMode":  tdMode(req.Symbol),
		"side":    okxSide(req.Side),
		"ordType": string(req.Type),
		"sz":      o.precision.FormatAmount(req.Qty),
		"clOrdId": clientOrderID(),
	}
	if req.Type == model.OrderLimit {
		body["px"] = o.precision.FormatPrice(req.Price)
	}
	if req.Type == model.OrderMarket && tdMode(req.Symbol) == "cash" {
		body["tgtCcy"] = "base_ccy"
	}

	var acks []okxAck
	if err := o.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, &acks); err != nil {
		return nil, err
	}
	if len(acks) == 0 || acks[0].OrdID == "" {
		return nil, fmt.Errorf("%w: place order: empty ack", service.ErrProtocol)
	}
	o.logger.Info("Order placed",
		zap.String("OrderID", acks[0].OrdID),
		zap.String("Symbol", req.Symbol),
		zap.String("Side", req.Side.String()),
		zap.Float64("Qty", req.Qty))
	return &model.Order{
		ID:        acks[0].OrdID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    model.OrderNew,
		Qty:       req.Qty,
		Price:     req.Price,
		CreatedAt: o.now(),
	}, nil
}

func (o *OKX) PlaceTriggerOrder(ctx context.Context, symbol string, side model.Side, stopPrice, qty float64) (*model.Order, error) {
	return o.placeAlgo(ctx, symbol, side, qty, "slTriggerPx", "slOrdPx", stopPrice)
}

func (o *OKX) PlaceTakeProfitOrder(ctx context.Context, symbol string, side model.Side, price, qty float64) (*model.Order, error) {
	return o.placeAlgo(ctx, symbol, side, qty, "tpTriggerPx", "tpOrdPx", price)
}

func (o *OKX) placeAlgo(ctx context.Context, symbol string, side model.Side, qty float64, triggerKey, orderKey string, price float64) (*model.Order, error) {
	body := map[string]string{
		"instId":      symbol,
		"tdMode":      tdMode(symbol),
		"side":        okxSide(side),
		"ordType":     "conditional",
		"sz":          o.precision.FormatAmount(qty),
		"algoClOrdId": clientOrderID(),
		triggerKey:    o.precision.FormatPrice(price),
		orderKey:      "-1", // market execution once triggered
	}
	if tdMode(symbol) == "cash" {
		body["tgtCcy"] = "base_ccy"
	}

	var acks []okxAck
	if err := o.do(ctx, http.MethodPost, "/api/v5/trade/order-algo", nil, body, &acks); err != nil {
		return nil, err
	}
	if len(acks) == 0 || acks[0].AlgoID == "" {
		return nil, fmt.Errorf("%w: place algo order: empty ack", service.ErrProtocol)
	}
	return &model.Order{
		ID:        AlgoPrefix + acks[0].AlgoID,
		Symbol:    symbol,
		Side:      side,
		Type:      model.OrderTrigger,
		Status:    model.OrderNew,
		Qty:       qty,
		StopPrice: price,
		CreatedAt: o.now(),
	}, nil
}

func (o *OKX) CancelAllTriggers(ctx context.Context, symbol string) error {
	var pending []okxAlgoOrder
	query := url.Values{"ordType": {"conditional"}, "instId": {symbol}}
	if err := o.get(ctx, "/api/v5/trade/orders-algo-pending", query, &pending); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	cancels := make([]map[string]string, 0, len(pending))
	for _, p := range pending {
		cancels = append(cancels, map[string]string{"algoId": p.AlgoID, "instId": symbol})
	}
	if err := o.do(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", nil, cancels, nil); err != nil {
		return err
	}
	o.logger.Info("Canceled trigger orders", zap.String("Symbol", symbol), zap.Int("Count", len(cancels)))
	return nil
}

func (o *OKX) GetOrder(ctx context.Context, symbol, orderID string) (*model.Order, error) {
	if algoID, ok := strings.CutPrefix(orderID, AlgoPrefix); ok {
		return o.getAlgoOrder(ctx, symbol, algoID)
	}

	var orders []okxOrder
	query := url.Values{"instId": {symbol}, "ordId": {orderID}}
	if err := o.get(ctx, "/api/v5/trade/order", query, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: order %s not found", service.ErrProtocol, orderID)
	}
	return convertOrder(orders[0])
}

// getAlgoOrder resolves a trigger order; once triggered, price and status come from the spawned order.
func (o *OKX) getAlgoOrder(ctx context.Context, symbol, algoID string) (*model.Order, error) {
	var algos []okxAlgoOrder
	if err := o.get(ctx, "/api/v5/trade/order-algo", url.Values{"algoId": {algoID}}, &algos); err != nil {
		return nil, err
	}
	if len(algos) == 0 {
		return nil, fmt.Errorf("%w: algo order %s not found", service.ErrProtocol, algoID)
	}
	a := algos[0]
	order := &model.Order{
		ID:        AlgoPrefix + a.AlgoID,
		Symbol:    a.InstID,
		Side:      model.Side(strings.ToUpper(a.Side)),
		Type:      model.OrderTrigger,
		Qty:       parseFloat(a.Sz),
		StopPrice: parseFloat(a.SlTriggerPx),
		CreatedAt: parseMillis(a.CTime),
	}
	if order.StopPrice == 0 {
		order.StopPrice = parseFloat(a.TpTriggerPx)
	}

	switch a.State {
	case "live", "pause", "partially_effective":
		order.Status = model.OrderNew
	case "canceled":
		order.Status = model.OrderCanceled
	case "order_failed":
		order.Status = model.OrderRejected
	case "effective":
		if a.OrdID == "" {
			order.Status = model.OrderNew
			return order, nil
		}
		spawned, err := o.GetOrder(ctx, symbol, a.OrdID)
		if err != nil {
			return nil, err
		}
		order.Status = spawned.Status
		order.Price = spawned.Price
	default:
		return nil, fmt.Errorf("%w: unknown algo state %q", service.ErrProtocol, a.State)
	}
	return order, nil
}

func (o *OKX) GetBalance(ctx context.Context) ([]model.Balance, error) {
	var accounts []struct {
		UTime   string `json:"uTime"`
		Details []struct {
			Ccy      string `json:"ccy"`
			CashBal  string `json:"cashBal"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := o.get(ctx, "/api/v5/account/balance", nil, &accounts); err != nil {
		return nil, err
	}

	var out []model.Balance
	for _, acc := range accounts {
		at := parseMillis(acc.UTime)
		for _, d := range acc.Details {
			out = append(out, model.Balance{
				Time:      at,
				Asset:     d.Ccy,
				Balance:   parseFloat(d.CashBal),
				Available: parseFloat(d.AvailBal),
			})
		}
	}
	return out, nil
}

func (o *OKX) GetHistoryOrders(ctx context.Context, symbol string, since time.Time) ([]model.Order, error) {
	var orders []okxOrder
	query := url.Values{
		"instType": {instType(symbol)},
		"instId":   {symbol},
		"begin":    {strconv.FormatInt(since.UnixMilli(), 10)},
	}
	if err := o.get(ctx, "/api/v5/trade/orders-history", query, &orders); err != nil {
		return nil, err
	}

	out := make([]model.Order, 0, len(orders))
	for _, raw := range orders {
		order, err := convertOrder(raw)
		if err != nil {
			o.logger.Warn("Skipping history order", zap.String("OrderID", raw.OrdID), zap.Error(err))
			continue
		}
		out = append(out, *order)
	}
	return out, nil
}

// OrderStatus maps an OKX order state to the common order status.
func OrderStatus(state string) (model.OrderStatus, error) {
	switch state {
	case "live":
		return model.OrderNew, nil
	case "partially_filled":
		return model.OrderPartiallyFilled, nil
	case "filled":
		return model.OrderFilled, nil
	case "canceled", "mmp_canceled":
		return model.OrderCanceled, nil
	}
	return "", fmt.Errorf("%w: unknown order state %q", service.ErrProtocol, state)
}

func convertOrder(raw okxOrder) (*model.Order, error) {
	status, err := OrderStatus(raw.State)
	if err != nil {
		return nil, err
	}
	orderType := model.OrderType(raw.OrdType)
	if orderType != model.OrderMarket && orderType != model.OrderLimit {
		orderType = model.OrderLimit
	}
	return &model.Order{
		ID:        raw.OrdID,
		Symbol:    raw.InstID,
		Side:      model.Side(strings.ToUpper(raw.Side)),
		Type:      orderType,
		Status:    status,
		Qty:       parseFloat(raw.Sz),
		Price:     parseFloat(raw.AvgPx),
		CreatedAt: parseMillis(raw.CTime),
	}, nil
}

func parseFloat(s string) float64 {
	v, err := service.StringToFloat(s)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) time.Time {
	ms, err := service.StringToInt64(s)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
