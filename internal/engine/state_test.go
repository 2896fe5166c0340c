package engine

import "testing"

func TestStateMachineRunsToCompletion(t *testing.T) {
	m := newStateMachine(2)
	var trail []State
	m.onChange = func(_, now State) { trail = append(trail, now) }

	m.start()
	m.activate()
	m.completeArticles(1)
	m.deactivate()
	if m.state != StateWaiting {
		t.Fatalf("state = %v, want waiting with an article pending", m.state)
	}
	m.activate()
	m.completeArticles(1)
	if m.state != StateActive {
		t.Fatalf("state = %v, complete while an action runs", m.state)
	}
	m.deactivate()

	want := []State{StateWaiting, StateActive, StateWaiting, StateActive, StateComplete}
	if len(trail) != len(want) {
		t.Fatalf("trail = %v", trail)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("trail = %v, want %v", trail, want)
		}
	}
}

func TestStateMachinePauseResume(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*stateMachine)
		want  State
	}{
		{"never started", func(m *stateMachine) {}, StateQueued},
		{"waiting", func(m *stateMachine) { m.start() }, StateWaiting},
		{"active", func(m *stateMachine) { m.start(); m.activate() }, StateActive},
		{"finished while paused", func(m *stateMachine) { m.start(); m.activate() }, StateComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStateMachine(1)
			tt.setup(m)
			m.pause()
			if m.state != StatePaused {
				t.Fatalf("state = %v", m.state)
			}
			if tt.want == StateComplete {
				m.completeArticles(1)
				m.deactivate()
				if m.state != StatePaused {
					t.Fatalf("paused task changed state to %v", m.state)
				}
			}
			m.resume()
			if m.state != tt.want {
				t.Fatalf("resumed to %v, want %v", m.state, tt.want)
			}
		})
	}
}

func TestStateMachineErrorIsTerminal(t *testing.T) {
	m := newStateMachine(1)
	m.start()
	m.fail()
	m.pause()
	m.resume()
	m.activate()
	m.deactivate()
	if m.state != StateError {
		t.Fatalf("state = %v", m.state)
	}
}

func TestStateMachineEmptyDownload(t *testing.T) {
	m := newStateMachine(0)
	m.start()
	if m.state != StateComplete {
		t.Fatalf("state = %v", m.state)
	}
}
