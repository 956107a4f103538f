// Package blockwatch follows a provider's newHeads stream over WebSocket
// and feeds observed chain tips into the cache layer, so reorg detection
// works from live data instead of polled blocks.
package blockwatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Sink receives chain tips. *cache.Store satisfies it.
type Sink interface {
	UpdateLatestBlock(chainID string, blockNum uint64, blockHash string, raw []byte)
}

// Config tunes the connection lifecycle.
type Config struct {
	DialTimeout   time.Duration
	PingInterval  time.Duration
	PongWait      time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = c.PingInterval * 2
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = time.Minute
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

// Watcher maintains one subscription per chain. A dropped connection is
// redialed with exponential backoff until Stop.
type Watcher struct {
	chainID string
	url     string
	sink    Sink
	cfg     Config
	logger  *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(chainID uint64, wsURL string, sink Sink, cfg Config, logger *zap.Logger) *Watcher {
	return &Watcher{
		chainID: strconv.FormatUint(chainID, 10),
		url:     wsURL,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(zap.String("chain_id", strconv.FormatUint(chainID, 10))),
		done:    make(chan struct{}),
	}
}

// Start launches the dial-subscribe-read loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop closes the connection and joins the loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.conn != nil {
			w.conn.Close()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.ReconnectBase
	bo.MaxInterval = w.cfg.ReconnectCap
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-w.done:
			return
		default:
		}

		err := w.session(bo)
		select {
		case <-w.done:
			return
		default:
		}

		delay := bo.NextBackOff()
		w.logger.Warn("stream disconnected, redialing",
			zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}
	}
}

// session dials, subscribes to newHeads and reads until the connection
// breaks. A successful subscription resets the reconnect backoff.
func (w *Watcher) session(bo *backoff.ExponentialBackOff) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.DialTimeout}
	conn, _, err := dialer.Dial(w.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	conn.SetReadLimit(w.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	sub := `{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		return err
	}

	// First frame is the subscription confirmation.
	var ack struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		return err
	}
	if ack.Error != nil {
		return fmt.Errorf("subscription rejected: %d %s", ack.Error.Code, ack.Error.Message)
	}
	w.logger.Info("subscribed to new heads", zap.String("subscription", string(ack.Result)))
	bo.Reset()

	pingDone := make(chan struct{})
	defer close(pingDone)
	w.wg.Add(1)
	go w.pingLoop(conn, pingDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.handleHead(msg)
	}
}

func (w *Watcher) pingLoop(conn *websocket.Conn, sessionDone chan struct{}) {
	defer w.wg.Done()
	t := time.NewTicker(w.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-sessionDone:
			return
		case <-t.C:
			deadline := time.Now().Add(w.cfg.DialTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// head is the interesting part of a newHeads notification.
type head struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
}

func (w *Watcher) handleHead(msg []byte) {
	var frame struct {
		Method string `json:"method"`
		Params struct {
			Result json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Method != "eth_subscription" {
		return
	}

	var h head
	if err := json.Unmarshal(frame.Params.Result, &h); err != nil {
		return
	}
	num, err := strconv.ParseUint(strings.TrimPrefix(h.Number, "0x"), 16, 64)
	if err != nil || num == 0 {
		return
	}

	raw := fmt.Appendf(nil, `{"result":%s}`, frame.Params.Result)
	w.sink.UpdateLatestBlock(w.chainID, num, h.Hash, raw)
	w.logger.Debug("new head", zap.Uint64("block", num), zap.String("hash", h.Hash))
}
