package publisher

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	_const "ollama_run/internal/const"
	"ollama_run/internal/logger"
	"ollama_run/model"
	"ollama_run/model/request"
)

const queueSize = 16

// Publisher streams snapshots to a dashboard over WebSocket.
// Publish never blocks the caller: messages are queued and dropped when the
// queue is full or the dashboard is unreachable.
type Publisher struct {
	url    string
	host   string
	logger *logger.Logger
	queue  chan request.WebSocketMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex     sync.Mutex
	conn      *websocket.Conn
	lastState model.ServiceState

	retryInterval    time.Duration
	maxRetryInterval time.Duration
	writeTimeout     time.Duration
}

// New creates a publisher for url
func New(url string, logger *logger.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	host, _ := os.Hostname()
	return &Publisher{
		url:              url,
		host:             host,
		logger:           logger,
		queue:            make(chan request.WebSocketMessage, queueSize),
		ctx:              ctx,
		cancel:           cancel,
		retryInterval:    _const.RetryInterval,
		maxRetryInterval: _const.MaxRetryInterval,
		writeTimeout:     _const.PublishWriteTimeout,
	}
}

// SetRetryConfig sets the reconnect backoff bounds
func (p *Publisher) SetRetryConfig(retryInterval, maxRetryInterval time.Duration) {
	p.retryInterval = retryInterval
	p.maxRetryInterval = maxRetryInterval
}

// Start launches the sender goroutine. It connects lazily and reconnects with backoff.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Close stops the sender and closes the connection
func (p *Publisher) Close() error {
	p.cancel()
	p.wg.Wait()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := p.conn.Close()
	p.conn = nil
	return err
}

// IsConnected returns whether a connection is currently open
func (p *Publisher) IsConnected() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.conn != nil
}

// Publish queues one tick. A change of service state since the previous
// call also queues a transition message ahead of the snapshot.
func (p *Publisher) Publish(state model.ServiceState, snap model.Snapshot, signals []model.Signal) {
	now := time.Now()

	p.mutex.Lock()
	prev := p.lastState
	p.lastState = state
	p.mutex.Unlock()

	if prev != "" && prev != state {
		p.enqueue(request.WebSocketMessage{
			Type:    request.MsgTypeTransition,
			Success: true,
			Data:    request.TransitionData{Host: p.host, From: prev, To: state, At: now},
		})
	}
	if signals == nil {
		signals = []model.Signal{}
	}
	p.enqueue(request.WebSocketMessage{
		Type:    request.MsgTypeSnapshot,
		Success: true,
		Data: request.SnapshotData{
			Host:     p.host,
			State:    state,
			Snapshot: snap,
			Signals:  signals,
			SentAt:   now,
			Worst:    model.MostSevere(signals).String(),
		},
	})
}

func (p *Publisher) enqueue(msg request.WebSocketMessage) {
	select {
	case p.queue <- msg:
	default:
		p.logger.Debug("Publish queue full, dropping %s message", msg.Type)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()

	backoff := p.retryInterval
	for {
		if !p.IsConnected() {
			if err := p.connect(); err != nil {
				p.logger.Warn("Failed to connect to %s: %v (retrying in %s)", p.url, err, backoff)
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > p.maxRetryInterval {
					backoff = p.maxRetryInterval
				}
				continue
			}
			backoff = p.retryInterval
		}

		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.queue:
			if err := p.send(msg); err != nil {
				p.logger.Warn("Failed to publish %s message: %v", msg.Type, err)
				p.dropConnection()
			}
		}
	}
}

func (p *Publisher) connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: _const.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(p.ctx, p.url, nil)
	if err != nil {
		return err
	}

	p.mutex.Lock()
	p.conn = conn
	p.mutex.Unlock()

	p.logger.Info("Connected to dashboard: %s", p.url)
	return nil
}

func (p *Publisher) send(msg request.WebSocketMessage) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.conn == nil {
		return websocket.ErrCloseSent
	}
	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(msg)
}

func (p *Publisher) dropConnection() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
