// Package commit tracks peer-side commit brackets.
//
// A Handle is Open after BeginCommit and moves to exactly one terminal state:
// Committed or Aborted by a successful EndCommit, or Dropped when the session
// is torn down first. A terminal handle never goes back to Open, and an
// EndCommit against one is rejected locally without reaching the peer.
package commit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/kicadipc/internal/observability"
	"github.com/danmuck/kicadipc/internal/protocol/envelope"
	"github.com/danmuck/kicadipc/internal/protocol/kiapi"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/anypb"
)

type State uint8

const (
	StateOpen State = iota
	StateCommitted
	StateAborted
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) Terminal() bool {
	return s != StateOpen
}

type Action uint8

const (
	ActionCommit Action = iota + 1
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionCommit:
		return "commit"
	case ActionAbort:
		return "abort"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ParseAction accepts "commit", "abort" and its wire alias "drop".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "commit":
		return ActionCommit, nil
	case "abort", "drop":
		return ActionAbort, nil
	default:
		return 0, ipcerr.New(ipcerr.KindConfig, "commit.parse_action",
			fmt.Sprintf("unknown commit action %q; expected commit or abort", s))
	}
}

func (a Action) wire() (protoreflect.EnumNumber, bool) {
	switch a {
	case ActionCommit:
		return kiapi.ActionCommit, true
	case ActionAbort:
		return kiapi.ActionDrop, true
	default:
		return kiapi.ActionUnknown, false
	}
}

func (a Action) terminal() State {
	if a == ActionCommit {
		return StateCommitted
	}
	return StateAborted
}

// Caller issues one request and waits for its response.
type Caller interface {
	Call(ctx context.Context, cmd *anypb.Any, timeout time.Duration) (envelope.Response, error)
}

type Handle struct {
	id string

	mu     sync.Mutex
	state  State
	ending bool
}

// ID is the peer-issued commit id.
func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Manager owns the open handles of one session.
type Manager struct {
	caller Caller
	log    zerolog.Logger

	mu     sync.Mutex
	open   map[*Handle]struct{}
	closed bool
}

func NewManager(caller Caller) *Manager {
	return &Manager{
		caller: caller,
		log:    observability.Logger("commit"),
		open:   make(map[*Handle]struct{}),
	}
}

// Begin opens a commit bracket on the peer.
func (m *Manager) Begin(ctx context.Context, timeout time.Duration) (*Handle, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ipcerr.New(ipcerr.KindDisconnected, "commit.begin", "session torn down")
	}

	cmd, err := envelope.Pack(kiapi.BeginCommit())
	if err != nil {
		return nil, err
	}
	resp, err := m.caller.Call(ctx, cmd, timeout)
	if err != nil {
		return nil, err
	}
	out := kiapi.NewBeginCommitResponse()
	if err := envelope.Unpack(resp.Payload, out); err != nil {
		return nil, err
	}
	id := kiapi.CommitID(out)
	if id == "" {
		return nil, ipcerr.New(ipcerr.KindMalformedEnvelope, "commit.begin", "peer returned an empty commit id")
	}

	h := &Handle{id: id, state: StateOpen}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ipcerr.New(ipcerr.KindDisconnected, "commit.begin", "session torn down")
	}
	m.open[h] = struct{}{}
	m.log.Debug().Str("commit", id).Msg("commit opened")
	return h, nil
}

// End closes h with action. On failure h stays Open so the caller may retry
// or abort; a terminal h is rejected with InvalidState and nothing is sent.
func (m *Manager) End(ctx context.Context, h *Handle, action Action, message string, timeout time.Duration) error {
	wire, ok := action.wire()
	if !ok {
		return ipcerr.New(ipcerr.KindInvalidState, "commit.end", "unknown commit action "+action.String())
	}
	if h == nil {
		return ipcerr.New(ipcerr.KindInvalidState, "commit.end", "nil commit handle")
	}

	h.mu.Lock()
	if h.state.Terminal() {
		state := h.state
		h.mu.Unlock()
		return ipcerr.New(ipcerr.KindInvalidState, "commit.end",
			fmt.Sprintf("commit %s is already %s", h.id, state))
	}
	if h.ending {
		h.mu.Unlock()
		return ipcerr.New(ipcerr.KindInvalidState, "commit.end",
			fmt.Sprintf("commit %s is already being ended", h.id))
	}
	h.ending = true
	h.mu.Unlock()

	err := m.sendEnd(ctx, h.id, wire, message, timeout)

	h.mu.Lock()
	h.ending = false
	if err == nil && h.state == StateOpen {
		h.state = action.terminal()
	}
	state := h.state
	h.mu.Unlock()

	if err != nil {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			h.mu.Lock()
			if h.state == StateOpen {
				h.state = StateDropped
			}
			h.mu.Unlock()
		}
		m.log.Debug().Str("commit", h.id).Err(err).Msg("end commit failed")
		return err
	}
	m.mu.Lock()
	delete(m.open, h)
	m.mu.Unlock()
	m.log.Debug().Str("commit", h.id).Str("state", state.String()).Msg("commit closed")
	return nil
}

func (m *Manager) sendEnd(ctx context.Context, id string, action protoreflect.EnumNumber, message string, timeout time.Duration) error {
	cmd, err := envelope.Pack(kiapi.EndCommit(id, action, message))
	if err != nil {
		return err
	}
	_, err = m.caller.Call(ctx, cmd, timeout)
	return err
}

// OpenCount reports how many handles are still Open.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// DropAll marks every open handle Dropped and rejects later Begin calls.
// It sends nothing; the peer discards uncommitted work with the session.
func (m *Manager) DropAll() {
	m.mu.Lock()
	m.closed = true
	open := m.open
	m.open = make(map[*Handle]struct{})
	m.mu.Unlock()

	for h := range open {
		h.mu.Lock()
		// An in-flight End settles the handle itself.
		if h.state == StateOpen && !h.ending {
			h.state = StateDropped
		}
		h.mu.Unlock()
	}
	if len(open) > 0 {
		m.log.Debug().Int("dropped", len(open)).Msg("dropped open commits on teardown")
	}
}
