package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if strings.TrimSpace(req.ClientOrderID) == "" {
		return nil, fmt.Errorf("client_order_id is required")
	}
	body, err := c.doJSON(ctx, http.MethodPost, "/v2/orders", nil, req)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	clientOrderID = strings.TrimSpace(clientOrderID)
	if clientOrderID == "" {
		return nil, fmt.Errorf("client_order_id is required")
	}
	query := url.Values{}
	query.Set("client_order_id", clientOrderID)
	body, err := c.doJSON(ctx, http.MethodGet, "/v2/orders:by_client_order_id", query, nil)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("order id is required")
	}
	body, err := c.doJSON(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (c *Client) ListOrders(ctx context.Context, params ListOrdersParams) ([]Order, error) {
	query := url.Values{}
	if params.Status != "" {
		query.Set("status", params.Status)
	}
	if params.After != nil {
		query.Set("after", params.After.UTC().Format(time.RFC3339Nano))
	}
	if params.Until != nil {
		query.Set("until", params.Until.UTC().Format(time.RFC3339Nano))
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Direction != "" {
		query.Set("direction", params.Direction)
	}
	body, err := c.doJSON(ctx, http.MethodGet, "/v2/orders", query, nil)
	if err != nil {
		return nil, err
	}
	var out []Order
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("order id is required")
	}
	_, err := c.doJSON(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(orderID), nil, nil)
	return err
}

func (c *Client) ListPositions(ctx context.Context) ([]Position, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/v2/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	var out []Position
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	body, err := c.doJSON(ctx, http.MethodGet, "/v2/positions/"+url.PathEscape(symbol), nil, nil)
	if err != nil {
		return nil, err
	}
	var out Position
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetClock(ctx context.Context) (*Clock, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/v2/clock", nil, nil)
	if err != nil {
		return nil, err
	}
	var out Clock
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func parseOrder(raw []byte) (*Order, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty order response")
	}
	var out Order
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("order id missing in response")
	}
	return &out, nil
}
