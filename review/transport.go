package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// the suggestion service speaks json text frames over a single websocket.
// the transport owns the socket handle exclusively. one write goroutine and
// one read goroutine per connection episode, coordinated by a per-episode
// context. consumers only ever see the event channel

type TransportEventType int

const (
	TransportOpened TransportEventType = iota
	TransportClosed
	TransportError
	TransportMessage
)

func (self TransportEventType) String() string {
	switch self {
	case TransportOpened:
		return "opened"
	case TransportClosed:
		return "closed"
	case TransportError:
		return "error"
	case TransportMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type TransportEvent struct {
	Type TransportEventType
	// raw frame, set for `TransportMessage`
	Message string
	// cause, set for `TransportError`
	Err error
}

// the session consumes this narrow surface so tests can script a transport
type Transport interface {
	Open()
	Close()
	Send(payload string) bool
	Events() <-chan TransportEvent
}

type SuggestionTransportSettings struct {
	WsHandshakeTimeout time.Duration
	// fixed wait between reconnect attempts
	ReconnectTimeout time.Duration
	// consecutive failed attempts before the transport gives up
	MaxReconnectAttempts int
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	SendBufferSize       int
	EventBufferSize      int
}

func DefaultSuggestionTransportSettings() *SuggestionTransportSettings {
	readTimeout := 60 * time.Second
	return &SuggestionTransportSettings{
		WsHandshakeTimeout:   2 * time.Second,
		ReconnectTimeout:     3 * time.Second,
		MaxReconnectAttempts: 3,
		PingTimeout:          readTimeout * 9 / 10,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          readTimeout,
		SendBufferSize:       8,
		EventBufferSize:      32,
	}
}

type SuggestionTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	transportId Id
	url         string

	send   chan string
	events chan TransportEvent

	stateLock sync.Mutex
	running   bool

	settings *SuggestionTransportSettings
}

func NewSuggestionTransportWithDefaults(ctx context.Context, url string) *SuggestionTransport {
	return NewSuggestionTransport(ctx, url, DefaultSuggestionTransportSettings())
}

// the url is fixed for the life of the transport.
// the transport does not connect until `Open`
func NewSuggestionTransport(
	ctx context.Context,
	url string,
	settings *SuggestionTransportSettings,
) *SuggestionTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SuggestionTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		transportId: NewId(),
		url:         url,
		send:        make(chan string, settings.SendBufferSize),
		events:      make(chan TransportEvent, settings.EventBufferSize),
		settings:    settings,
	}
}

// starts the connect loop. a no-op while a connect loop is live or after
// `Close`. after the reconnect budget is exhausted the loop exits and a
// later `Open` starts a new one
func (self *SuggestionTransport) Open() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.ctx.Err() != nil {
		return
	}
	if self.running {
		return
	}
	self.running = true
	go self.run()
}

func (self *SuggestionTransport) run() {
	defer func() {
		self.stateLock.Lock()
		// emitted while still marked running, so an `Open` racing this
		// exit cannot start an episode whose `Opened` lands first
		self.emit(TransportEvent{Type: TransportClosed})
		self.running = false
		self.stateLock.Unlock()
	}()

	retries := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", self.transportId), connect)
		} else {
			ws, err = connect()
		}
		if err == nil {
			retries = 0
			self.emit(TransportEvent{Type: TransportOpened})

			c := func() {
				self.episode(ws)
			}
			if glog.V(2) {
				Trace(fmt.Sprintf("[t]connect run %s", self.transportId), c)
			} else {
				c()
			}
			// payloads that never made it onto this connection are abandoned
			self.drainSend()

			if self.ctx.Err() != nil {
				return
			}
			glog.Infof("[t]connection dropped %s\n", self.transportId)
			self.emit(TransportEvent{
				Type: TransportError,
				Err:  fmt.Errorf("Connection dropped."),
			})
		} else {
			glog.Infof("[t]connect error %s = %s\n", self.transportId, err)
			self.emit(TransportEvent{
				Type: TransportError,
				Err:  err,
			})
		}

		retries += 1
		if self.settings.MaxReconnectAttempts < retries {
			glog.Infof("[t]reconnect attempts exhausted %s\n", self.transportId)
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// one established connection lifetime. returns when the connection drops
// or the transport is closed
func (self *SuggestionTransport) episode(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		// pings run on a fixed cadence independent of sends.
		// the pongs they elicit extend the read deadline
		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer pingTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case payload, ok := <-self.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.transportId, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", self.transportId)
			case <-pingTicker.C:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[tr]%s<- error = %s\n", self.transportId, err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				glog.V(2).Infof("[tr]%s<-\n", self.transportId)
				self.emit(TransportEvent{
					Type:    TransportMessage,
					Message: string(message),
				})
			default:
				glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.transportId)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *SuggestionTransport) emit(event TransportEvent) {
	select {
	case self.events <- event:
	default:
		glog.Infof("[t]drop event %s %s\n", event.Type, self.transportId)
	}
}

func (self *SuggestionTransport) drainSend() {
	for {
		select {
		case <-self.send:
			glog.Infof("[ts]drop %s->\n", self.transportId)
		default:
			return
		}
	}
}

// enqueues one payload for the write goroutine. never blocks.
// returns false and drops the payload when the transport is closed,
// not open, or the send queue is full
func (self *SuggestionTransport) Send(payload string) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	self.stateLock.Lock()
	running := self.running
	self.stateLock.Unlock()
	if !running {
		return false
	}

	select {
	case self.send <- payload:
		return true
	default:
		glog.Infof("[ts]drop full %s->\n", self.transportId)
		return false
	}
}

// the ordered stream of transport transitions and inbound frames.
// note the channel is never closed. This channel is left open
func (self *SuggestionTransport) Events() <-chan TransportEvent {
	return self.events
}

func (self *SuggestionTransport) Close() {
	self.cancel()
}
