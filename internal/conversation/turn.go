package conversation

import (
	"encoding/json"

	"github.com/qmuntal/stateless"

	"github.com/comigor/sqlchat-go/internal/interpret"
	"github.com/comigor/sqlchat-go/internal/logger"
)

// TurnState is the lifecycle state of one question/answer turn.
type TurnState string

const (
	StateIdle              TurnState = "Idle"
	StateAwaitingFirstByte TurnState = "AwaitingFirstByte"
	StateStreaming         TurnState = "Streaming"
	StateFinalized         TurnState = "Finalized" // Terminal: stream completed
	StateCancelled         TurnState = "Cancelled" // Terminal: paused, replaced or logged out
)

type turnTrigger string

const (
	triggerStart    turnTrigger = "Start"
	triggerReceived turnTrigger = "Received"
	triggerDone     turnTrigger = "Done"
	triggerCancel   turnTrigger = "Cancel"
)

// turn is one stream writing into one bot message.
type turn struct {
	botID  string
	fsm    *stateless.StateMachine
	interp *interpret.Interpreter
	usage  *pendingUsage
	stream Stream
}

func newTurn(botID string) *turn {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(triggerStart, StateAwaitingFirstByte)

	fsm.Configure(StateAwaitingFirstByte).
		Permit(triggerReceived, StateStreaming).
		Permit(triggerDone, StateFinalized).
		Permit(triggerCancel, StateCancelled)

	fsm.Configure(StateStreaming).
		Ignore(triggerReceived).
		Permit(triggerDone, StateFinalized).
		Permit(triggerCancel, StateCancelled)

	fsm.Configure(StateFinalized)
	fsm.Configure(StateCancelled)

	pending := &pendingUsage{}
	return &turn{
		botID:  botID,
		fsm:    fsm,
		interp: interpret.New(pending),
		usage:  pending,
	}
}

func (t *turn) state() TurnState {
	return t.fsm.MustState().(TurnState)
}

// open reports whether the turn still accepts stream output.
func (t *turn) open() bool {
	switch t.state() {
	case StateAwaitingFirstByte, StateStreaming:
		return true
	}
	return false
}

func (t *turn) fire(trigger turnTrigger) {
	if err := t.fsm.Fire(trigger); err != nil {
		logger.L.Debug("turn transition rejected", "trigger", trigger, "state", t.state(), "error", err)
	}
}

// pendingUsage holds usage payloads seen under the conversation lock so they
// can be forwarded after it is released.
type pendingUsage struct {
	raw []json.RawMessage
}

func (p *pendingUsage) Observe(raw json.RawMessage) {
	p.raw = append(p.raw, raw)
}

func (p *pendingUsage) take() []json.RawMessage {
	out := p.raw
	p.raw = nil
	return out
}
