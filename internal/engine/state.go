package engine

// State is the lifecycle state of a task.
type State int

const (
	StateQueued State = iota
	StateWaiting
	StateActive
	StatePaused
	StateComplete
	StateError
)

func (s State) String() string {
	return [...]string{"queued", "waiting", "active", "paused", "complete", "error"}[s]
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool { return s == StateComplete || s == StateError }

// ParseState is the inverse of String. Unknown names map to queued.
func ParseState(name string) State {
	for s := StateQueued; s <= StateError; s++ {
		if s.String() == name {
			return s
		}
	}
	return StateQueued
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	*s = ParseState(string(b))
	return nil
}

// stateMachine tracks a task through its states. pending counts articles
// not yet accounted for; actions counts cmdlists and decode or write work in
// progress.
type stateMachine struct {
	state   State
	started bool
	pending int
	actions int

	onChange func(old, now State)
}

func newStateMachine(articles int) *stateMachine {
	return &stateMachine{pending: articles}
}

func (m *stateMachine) goTo(s State) {
	if s == m.state {
		return
	}
	old := m.state
	m.state = s
	if m.onChange != nil {
		m.onChange(old, s)
	}
}

func (m *stateMachine) start() {
	if m.state != StateQueued {
		return
	}
	m.started = true
	if m.pending == 0 {
		m.goTo(StateComplete)
		return
	}
	m.goTo(StateWaiting)
}

func (m *stateMachine) pause() {
	if m.state == StatePaused || m.state.Terminal() {
		return
	}
	m.goTo(StatePaused)
}

// resume returns a paused task to where it would be had it never paused.
func (m *stateMachine) resume() {
	if m.state != StatePaused {
		return
	}
	switch {
	case !m.started:
		m.goTo(StateQueued)
	case m.pending == 0 && m.actions == 0:
		m.goTo(StateComplete)
	case m.actions > 0:
		m.goTo(StateActive)
	default:
		m.goTo(StateWaiting)
	}
}

func (m *stateMachine) activate() {
	m.actions++
	if m.state == StateWaiting {
		m.goTo(StateActive)
	}
}

func (m *stateMachine) deactivate() {
	if m.actions == 0 {
		return
	}
	m.actions--
	if m.actions == 0 && m.state == StateActive {
		if m.pending == 0 {
			m.goTo(StateComplete)
		} else {
			m.goTo(StateWaiting)
		}
	}
}

func (m *stateMachine) completeArticles(n int) {
	m.pending -= min(n, m.pending)
	if m.pending == 0 && m.actions == 0 && m.state == StateActive {
		m.goTo(StateComplete)
	}
}

func (m *stateMachine) fail() {
	if m.state.Terminal() {
		return
	}
	m.goTo(StateError)
}
