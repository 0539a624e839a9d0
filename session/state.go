// Package session provides the lifecycle primitives shared by PLC channel connections:
// the connection state machine, a goroutine task manager and the telegram sequence generator.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-bhs/logger"
)

// ConnState is the lifecycle stage of a PLC channel connection.
//
// The normal progression is
//
//	Disconnected -> Negotiating -> Connected -> Ready -> Streaming
//
// and any failure returns the connection to Disconnected. There is no terminal state.
type ConnState uint32

const (
	// DisconnectedState means no TCP connection exists.
	DisconnectedState ConnState = iota
	// NegotiatingState means the TCP connection is up and the COTP CR/CC exchange is in progress.
	NegotiatingState
	// ConnectedState means a valid COTP CC was received.
	ConnectedState
	// ReadyState means the CONNECTED/READY/ACK handshake completed.
	ReadyState
	// StreamingState means the dispatcher and liveness monitor are running.
	StreamingState
)

// String returns string representation of the state.
func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case NegotiatingState:
		return "negotiating"
	case ConnectedState:
		return "connected"
	case ReadyState:
		return "ready"
	case StreamingState:
		return "streaming"
	default:
		return "unknown"
	}
}

// IsDisconnected returns if the state is DisconnectedState.
func (cs ConnState) IsDisconnected() bool { return cs == DisconnectedState }

// IsStreaming returns if the state is StreamingState.
func (cs ConnState) IsStreaming() bool { return cs == StreamingState }

// ConnStateChangeHandler is invoked on every state change.
//
// Handlers run in blocking mode while the state manager lock is held. They must not call
// the synchronous transition methods of the same manager.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// ConnStateMgr manages the state of one PLC channel connection.
//
// Synchronous transitions are validated against the state progression. Asynchronous transitions
// are queued and applied by a single background goroutine, which makes it the only place where
// teardown on failure happens.
type ConnStateMgr struct {
	mu               sync.Mutex
	ctx              context.Context
	cond             *sync.Cond
	state            atomic.Uint32
	logger           logger.Logger
	asyncStateChange chan ConnState
	handlers         []ConnStateChangeHandler
}

// NewConnStateMgr creates a ConnStateMgr in DisconnectedState and starts its background goroutine.
// The goroutine exits when ctx is done.
func NewConnStateMgr(ctx context.Context, l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &ConnStateMgr{
		ctx:              ctx,
		logger:           l,
		asyncStateChange: make(chan ConnState, 10),
		handlers:         make([]ConnStateChangeHandler, 0, len(handlers)),
	}
	mgr.AddHandler(handlers...)

	mgr.state.Store(uint32(DisconnectedState))
	mgr.cond = sync.NewCond(&mgr.mu)

	go mgr.asyncStateChangeTask()

	return mgr
}

// State returns the current state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds handlers invoked on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState blocks until the state equals state or ctx is done.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.cond.Broadcast()
	})
	defer stop()

	for cs.State() != state {
		if err := ctx.Err(); err != nil {
			cs.logger.Debug("wait connection state canceled", "cur_state", cs.State(), "desired_state", state)
			return err
		}
		cs.cond.Wait()
	}

	return nil
}

// ToDisconnected moves to DisconnectedState from any state.
//
// The state is changed before the handlers run, so handlers observe the connection as already down.
func (cs *ConnStateMgr) ToDisconnected() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState.IsDisconnected() {
		return
	}

	cs.setState(DisconnectedState)
	cs.invokeHandlers(curState, DisconnectedState)
}

// ToNegotiating moves from DisconnectedState to NegotiatingState.
func (cs *ConnStateMgr) ToNegotiating() error {
	return cs.advance(DisconnectedState, NegotiatingState)
}

// ToConnected moves from NegotiatingState to ConnectedState.
func (cs *ConnStateMgr) ToConnected() error {
	return cs.advance(NegotiatingState, ConnectedState)
}

// ToReady moves from ConnectedState to ReadyState.
func (cs *ConnStateMgr) ToReady() error {
	return cs.advance(ConnectedState, ReadyState)
}

// ToStreaming moves from ReadyState to StreamingState.
func (cs *ConnStateMgr) ToStreaming() error {
	return cs.advance(ReadyState, StreamingState)
}

// ToDisconnectedAsync queues a move to DisconnectedState.
//
// It is safe to call from any goroutine, including IO loops whose teardown the move triggers.
func (cs *ConnStateMgr) ToDisconnectedAsync() {
	cs.changeStateAsync(DisconnectedState)
}

// IsStreaming returns if the current state is StreamingState.
func (cs *ConnStateMgr) IsStreaming() bool {
	return cs.State().IsStreaming()
}

// advance performs a forward transition. Handlers run before the new state becomes visible.
func (cs *ConnStateMgr) advance(from ConnState, to ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState == to {
		return nil
	}

	if curState != from {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, to)
	cs.setState(to)

	return nil
}

func (cs *ConnStateMgr) setState(newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
}

func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(prevState, newState)
		}
	}
}

func (cs *ConnStateMgr) changeStateAsync(state ConnState) {
	if cs.State() == state {
		return
	}

	select {
	case cs.asyncStateChange <- state:
	case <-cs.ctx.Done():
	}
}

func (cs *ConnStateMgr) asyncStateChangeTask() {
	defer cs.logger.Debug("async state change task terminated")

	for {
		select {
		case <-cs.ctx.Done():
			return

		case desiredState := <-cs.asyncStateChange:
			prevState := cs.State()
			if desiredState == prevState {
				break
			}

			var err error
			switch desiredState {
			case DisconnectedState:
				cs.ToDisconnected()
			case NegotiatingState:
				err = cs.ToNegotiating()
			case ConnectedState:
				err = cs.ToConnected()
			case ReadyState:
				err = cs.ToReady()
			case StreamingState:
				err = cs.ToStreaming()
			}

			if err != nil {
				cs.logger.Error("async connection state change failed",
					"prev_state", prevState, "cur_state", cs.State(), "desired_state", desiredState, "error", err,
				)
				if errors.Is(err, ErrInvalidTransition) {
					cs.ToDisconnected()
				}
			}
		}
	}
}
