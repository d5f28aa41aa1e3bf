package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const DefaultPaperStreamURL = "wss://paper-api.alpaca.markets/stream"

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authReply struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

type TradeStreamOptions struct {
	URL               string
	KeyID             string
	SecretKey         string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Logger            *zap.Logger
}

// TradeStream keeps a trade_updates subscription alive across disconnects.
type TradeStream struct {
	opts TradeStreamOptions
}

func NewTradeStream(opts TradeStreamOptions) *TradeStream {
	if opts.URL == "" {
		opts.URL = DefaultPaperStreamURL
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 1 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &TradeStream{opts: opts}
}

// Run blocks until ctx is done, invoking onUpdate for every trade update.
func (s *TradeStream) Run(ctx context.Context, onUpdate func(context.Context, TradeUpdate)) error {
	if s == nil {
		return fmt.Errorf("stream is nil")
	}
	backoff := s.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.connect(ctx)
		if err != nil {
			s.opts.Logger.Warn("trade stream connect failed", zap.Error(err))
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		s.opts.Logger.Info("trade stream subscribed")
		backoff = s.opts.BackoffMin

		err = s.consume(ctx, conn, onUpdate)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, s.opts.BackoffMax)
	}
}

func (s *TradeStream) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)

	auth := map[string]any{"action": "auth", "key": s.opts.KeyID, "secret": s.opts.SecretKey}
	if err := writeJSON(ctx, conn, auth); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "auth failed")
		return nil, err
	}
	if err := awaitAuthorized(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return nil, err
	}
	listen := map[string]any{"action": "listen", "data": map[string]any{"streams": []string{"trade_updates"}}}
	if err := writeJSON(ctx, conn, listen); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "listen failed")
		return nil, err
	}
	return conn, nil
}

func awaitAuthorized(ctx context.Context, conn *websocket.Conn) error {
	for i := 0; i < 3; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env streamEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Stream != "authorization" {
			continue
		}
		var reply authReply
		if err := json.Unmarshal(env.Data, &reply); err != nil {
			return err
		}
		if strings.EqualFold(reply.Status, "authorized") {
			return nil
		}
		return fmt.Errorf("trade stream auth rejected: %s", reply.Status)
	}
	return fmt.Errorf("trade stream auth: no authorization reply")
}

func (s *TradeStream) consume(ctx context.Context, conn *websocket.Conn, onUpdate func(context.Context, TradeUpdate)) error {
	heartbeatErr := make(chan error, 1)
	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				heartbeatErr <- heartbeatCtx.Err()
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(heartbeatCtx, s.opts.PingTimeout)
				err := conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					heartbeatErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-heartbeatErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.opts.Logger.Warn("trade stream read failed", zap.Error(err))
			}
			return err
		}
		update, ok, err := ParseTradeUpdate(data)
		if err != nil {
			s.opts.Logger.Warn("trade stream decode failed", zap.Error(err))
			continue
		}
		if ok && onUpdate != nil {
			onUpdate(ctx, update)
		}
	}
}

// ParseTradeUpdate decodes one stream frame. ok is false for frames from
// other streams such as listening confirmations.
func ParseTradeUpdate(raw []byte) (TradeUpdate, bool, error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TradeUpdate{}, false, err
	}
	if env.Stream != "trade_updates" {
		return TradeUpdate{}, false, nil
	}
	var update TradeUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		return TradeUpdate{}, false, err
	}
	return update, true, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(0)
	if half := int64(base / 2); half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
