package mirror

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

type State string

const (
	StateUninitialized  State = "uninitialized"
	StateSnapshotLoaded State = "snapshot-loaded"
	StateReceiving      State = "receiving"
	StateError          State = "error"
)

type FSM struct {
	mu          sync.Mutex
	Transitions map[State]map[State]struct{}

	current State
	logger  *zap.Logger
}

type FSMOption func(*FSM)

func FSMWithLogger(logger *zap.Logger) FSMOption {
	return func(f *FSM) {
		f.logger = logger
	}
}

func FSMWithInitialState(state State) FSMOption {
	return func(f *FSM) {
		f.current = state
	}
}

func NewFSM(opts ...FSMOption) *FSM {
	f := &FSM{
		current: StateUninitialized,
		logger:  zap.NewNop(),

		Transitions: map[State]map[State]struct{}{
			StateUninitialized: {
				StateSnapshotLoaded: {},
				StateError:          {}, // snapshot failed
			},
			StateSnapshotLoaded: {
				StateReceiving:      {},
				StateSnapshotLoaded: {}, // reload
				StateError:          {},
			},
			StateReceiving: {
				StateSnapshotLoaded: {}, // reload
				StateError:          {},
			},
			StateError: {
				StateSnapshotLoaded: {}, // retry the snapshot
				StateError:          {},
			},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FSM) canTransition(to State) bool {
	_, ok := f.Transitions[f.current][to]
	return ok
}

func (f *FSM) Transition(to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == to && to == StateReceiving {
		return nil
	}

	if !f.canTransition(to) {
		f.logger.Error("Invalid state transition",
			zap.String("from", string(f.current)),
			zap.String("to", string(to)),
		)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.current, to)
	}
	previous := f.current
	f.current = to

	f.logger.Info("State transitioned",
		zap.String("state", string(f.current)),
		zap.String("from", string(previous)),
	)
	return nil
}
