package pipeline

import "fmt"

// State is a message's position in the extraction state machine.
type State string

const (
	StateFetched          State = "fetched"
	StateRuleMatched      State = "rule_matched"
	StateRuleGenerated    State = "rule_generated"
	StateAIExtracted      State = "ai_extracted"
	StateHeuristicMatched State = "heuristic_matched"
	StateRecovered        State = "recovered"
	StateRejected         State = "rejected"
	StateFailed           State = "failed"
	StatePersisted        State = "persisted"
)

var transitions = map[State][]State{
	StateFetched:          {StateRuleMatched, StateRuleGenerated, StateAIExtracted, StateHeuristicMatched, StateRejected, StateFailed},
	StateRuleMatched:      {StateRecovered, StateRejected, StateFailed, StatePersisted},
	StateRuleGenerated:    {StateRecovered, StateRejected, StateFailed, StatePersisted},
	StateAIExtracted:      {StateRecovered, StateRejected, StateFailed, StatePersisted},
	StateHeuristicMatched: {StateRecovered, StateRejected, StateFailed, StatePersisted},
	StateRecovered:        {StateRejected, StateFailed, StatePersisted},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateFailed, StatePersisted:
		return true
	}
	return false
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine records the path a message took.
type stateMachine struct {
	current State
	history []State
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateFetched, history: []State{StateFetched}}
}

func (m *stateMachine) moveTo(to State) error {
	if !canTransition(m.current, to) {
		return fmt.Errorf("invalid state transition %s -> %s", m.current, to)
	}
	m.current = to
	m.history = append(m.history, to)
	return nil
}
