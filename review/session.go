package review

import (
	"context"
	"slices"
	"sync"

	"github.com/golang/glog"

	"github.com/redlinehq/review/protocol"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransport ErrorKind = "transport"
	ErrorKindProtocol  ErrorKind = "protocol"
	ErrorKindMalformed ErrorKind = "malformed"
)

// fixed client side error messages. these never echo service content
const (
	ConnectionErrorMessage = "suggestion service connection error"
	ParseErrorMessage      = "failed to parse server response"
	// used when an error message from the service carries no message
	AnalysisErrorFallbackMessage = "analysis failed"
)

// the observable state triple plus the machine status.
// `Error` is empty when there is no error.
// snapshots are value copies. the issues slice never aliases session state
type SessionState struct {
	Suggestions  []protocol.SuggestionItem
	IsProcessing bool
	Error        string
	ErrorKind    ErrorKind
	Status       Status
	// latest issued request sequence
	Seq uint64
}

func initialSessionState() SessionState {
	return SessionState{
		Suggestions: []protocol.SuggestionItem{},
		Status:      StatusIdle,
	}
}

type StateListenerFunction func(state SessionState)

type SessionSettings struct {
	Throttle *EditThrottleSettings
	// wrap outbound analysis requests in the seq envelope.
	// off by default. the frame is then the raw document content
	SendEnvelope bool
	// decision queue between the throttle callbacks and the event loop
	DecisionBufferSize int
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Throttle:           DefaultEditThrottleSettings(),
		SendEnvelope:       false,
		DecisionBufferSize: 16,
	}
}

type sessionDecision struct {
	analyze bool
	content string
}

// one review session over one transport.
// a single event loop goroutine consumes throttle decisions and transport
// events in arrival order and is the only writer of the session state.
// the caller owns the transport and closes it separately
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId Id
	transport Transport
	throttle  *EditThrottle

	decisions chan sessionDecision

	stateLock sync.Mutex
	state     SessionState

	stateListeners callbackList[StateListenerFunction]

	settings *SessionSettings
}

func NewSessionWithDefaults(ctx context.Context, transport Transport) *Session {
	return NewSession(ctx, transport, DefaultSessionSettings())
}

// opens the transport and starts the event loop
func NewSession(ctx context.Context, transport Transport, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: NewId(),
		transport: transport,
		decisions: make(chan sessionDecision, settings.DecisionBufferSize),
		state:     initialSessionState(),
		settings:  settings,
	}
	session.throttle = NewEditThrottle(
		cancelCtx,
		session.analyzeDecision,
		session.resetDecision,
		settings.Throttle,
	)
	transport.Open()
	go session.run()
	return session
}

func (self *Session) SessionId() Id {
	return self.sessionId
}

// editor facing entry point. safe to call at any edit frequency.
// never blocks on the network
func (self *Session) Edit(content string) {
	self.throttle.Submit(content)
}

// returns to the initial state, as on a document switch.
// a pending quiet window is cancelled
func (self *Session) Reset() {
	self.throttle.Cancel()
	self.resetDecision()
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshotLocked()
}

// the listener is invoked from the event loop after every state change.
// returns a remove function
func (self *Session) AddStateListener(listener StateListenerFunction) func() {
	callbackId := self.stateListeners.add(listener)
	return func() {
		self.stateListeners.remove(callbackId)
	}
}

// stops the event loop and the throttle.
// the transport is not closed here
func (self *Session) Close() {
	self.throttle.Cancel()
	self.cancel()
}

// throttle callback, runs on the timer goroutine
func (self *Session) analyzeDecision(content string) {
	select {
	case <-self.ctx.Done():
	case self.decisions <- sessionDecision{analyze: true, content: content}:
	}
}

// throttle callback, runs on the submitter's goroutine
func (self *Session) resetDecision() {
	select {
	case <-self.ctx.Done():
	case self.decisions <- sessionDecision{}:
	}
}

func (self *Session) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case decision := <-self.decisions:
			if decision.analyze {
				self.applyAnalyze(decision.content)
			} else {
				self.applyReset()
			}
		case event := <-self.transport.Events():
			self.applyTransportEvent(event)
		}
	}
}

func (self *Session) applyAnalyze(content string) {
	// optimistic processing status, set before the send
	var seq uint64
	self.update(func(state *SessionState) {
		state.Seq += 1
		seq = state.Seq
		state.IsProcessing = true
		state.Error = ""
		state.ErrorKind = ErrorKindNone
		state.Status = StatusProcessing
	})

	var payload string
	if self.settings.SendEnvelope {
		payload = string(protocol.RequireEncodeEditEnvelope(seq, content))
	} else {
		payload = content
	}
	if !self.transport.Send(payload) {
		// the send contract is a silent drop when the transport cannot take it
		glog.Infof("[s]send dropped %s\n", self.sessionId)
	}
}

func (self *Session) applyReset() {
	self.update(func(state *SessionState) {
		seq := state.Seq
		*state = initialSessionState()
		// responses still in flight for the old document must not apply
		state.Seq = seq + 1
	})
}

func (self *Session) applyTransportEvent(event TransportEvent) {
	switch event.Type {
	case TransportOpened:
		glog.V(2).Infof("[s]transport opened %s\n", self.sessionId)
	case TransportClosed:
		glog.V(2).Infof("[s]transport closed %s\n", self.sessionId)
		self.stateLock.Lock()
		isProcessing := self.state.IsProcessing
		self.stateLock.Unlock()
		if isProcessing {
			// degraded but stable. suggestions and error stay as they were
			self.update(func(state *SessionState) {
				state.IsProcessing = false
				state.Status = StatusIdle
			})
		}
	case TransportError:
		glog.V(2).Infof("[s]transport error %s = %s\n", self.sessionId, event.Err)
		self.update(func(state *SessionState) {
			state.IsProcessing = false
			state.Error = ConnectionErrorMessage
			state.ErrorKind = ErrorKindTransport
			state.Status = StatusError
		})
	case TransportMessage:
		self.applyMessage(event.Message)
	}
}

func (self *Session) applyMessage(raw string) {
	message, err := protocol.DecodeMessage([]byte(raw))
	if err != nil {
		glog.Infof("[s]parse error %s = %s\n", self.sessionId, err)
		self.update(func(state *SessionState) {
			state.IsProcessing = false
			state.Error = ParseErrorMessage
			state.ErrorKind = ErrorKindMalformed
			state.Status = StatusError
		})
		return
	}

	if message.Seq != nil {
		self.stateLock.Lock()
		latestSeq := self.state.Seq
		self.stateLock.Unlock()
		if *message.Seq < latestSeq {
			glog.V(2).Infof("[s]stale seq %d < %d %s\n", *message.Seq, latestSeq, self.sessionId)
			return
		}
	}

	switch message.Type {
	case protocol.MessageTypeStatus:
		if message.Status != protocol.StatusProcessing {
			glog.Infof("[s]unexpected status %q %s\n", message.Status, self.sessionId)
			return
		}
		self.update(func(state *SessionState) {
			state.IsProcessing = true
			state.Error = ""
			state.ErrorKind = ErrorKindNone
			state.Status = StatusProcessing
		})
	case protocol.MessageTypeSuggestions:
		self.update(func(state *SessionState) {
			state.Suggestions = message.Suggestions.Issues
			state.IsProcessing = false
			state.Error = ""
			state.ErrorKind = ErrorKindNone
			state.Status = StatusSuccess
		})
	case protocol.MessageTypeError:
		errorMessage := message.Error.Message
		if errorMessage == "" {
			errorMessage = AnalysisErrorFallbackMessage
		}
		self.update(func(state *SessionState) {
			// a service reported failure invalidates the current suggestions
			state.Suggestions = []protocol.SuggestionItem{}
			state.IsProcessing = false
			state.Error = errorMessage
			state.ErrorKind = ErrorKindProtocol
			state.Status = StatusError
		})
	default:
		glog.Infof("[s]unknown message type %q %s\n", message.Type, self.sessionId)
	}
}

func (self *Session) update(mutate func(state *SessionState)) {
	self.stateLock.Lock()
	mutate(&self.state)
	state := self.snapshotLocked()
	self.stateLock.Unlock()
	self.notify(state)
}

func (self *Session) snapshotLocked() SessionState {
	state := self.state
	state.Suggestions = slices.Clone(self.state.Suggestions)
	return state
}

func (self *Session) notify(state SessionState) {
	for _, listener := range self.stateListeners.get() {
		HandleError(func() {
			listener(state)
		})
		glog.V(2).Infof("[s]notify %s %s\n", CallbackName(listener), self.sessionId)
	}
}
