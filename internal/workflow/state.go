package workflow

type Status string

const (
	StatusIdle       Status = "idle"
	StatusTriggering Status = "triggering"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no transition other than Reset can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusTriggering, StatusStreaming, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// State is the read model of one generation attempt.
type State struct {
	Status         Status   `json:"status"`
	RunID          string   `json:"run_id,omitempty"`
	CurrentStep    string   `json:"current_step,omitempty"`
	CompletedSteps []string `json:"completed_steps"`
	Error          string   `json:"error,omitempty"`
}

func InitialState() State {
	return State{Status: StatusIdle, CompletedSteps: []string{}}
}

func (s State) clone() State {
	out := s
	out.CompletedSteps = append(make([]string, 0, len(s.CompletedSteps)), s.CompletedSteps...)
	return out
}

func (s State) hasCompleted(step string) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// Action is the closed set of transitions accepted by Reduce.
type Action interface {
	Kind() string
	action()
}

type TriggerStart struct{}

type TriggerSuccess struct {
	RunID string
}

type StepStarted struct {
	Step string
}

type StepCompleted struct {
	Step string
}

type SetError struct {
	Message string
}

type WorkflowCompleted struct{}

type Reset struct{}

func (TriggerStart) Kind() string      { return "TRIGGER_START" }
func (TriggerSuccess) Kind() string    { return "TRIGGER_SUCCESS" }
func (StepStarted) Kind() string       { return "STEP_STARTED" }
func (StepCompleted) Kind() string     { return "STEP_COMPLETED" }
func (SetError) Kind() string          { return "SET_ERROR" }
func (WorkflowCompleted) Kind() string { return "WORKFLOW_COMPLETED" }
func (Reset) Kind() string             { return "RESET" }

func (TriggerStart) action()      {}
func (TriggerSuccess) action()    {}
func (StepStarted) action()       {}
func (StepCompleted) action()     {}
func (SetError) action()          {}
func (WorkflowCompleted) action() {}
func (Reset) action()             {}

// Reduce is the only place state transitions happen. It never mutates s.
// Any action other than Reset on a terminal state returns s unchanged.
func Reduce(s State, a Action) State {
	if _, ok := a.(Reset); ok {
		return InitialState()
	}
	if s.Status.Terminal() {
		return s
	}

	switch act := a.(type) {
	case TriggerStart:
		if s.Status != StatusIdle {
			return s
		}
		next := s.clone()
		next.Status = StatusTriggering
		next.Error = ""
		return next
	case TriggerSuccess:
		if s.Status != StatusTriggering {
			return s
		}
		next := s.clone()
		next.Status = StatusStreaming
		next.RunID = act.RunID
		return next
	case StepStarted:
		next := s.clone()
		next.CurrentStep = act.Step
		return next
	case StepCompleted:
		next := s.clone()
		if !next.hasCompleted(act.Step) {
			next.CompletedSteps = append(next.CompletedSteps, act.Step)
		}
		next.CurrentStep = ""
		return next
	case SetError:
		next := s.clone()
		next.Status = StatusError
		next.Error = act.Message
		return next
	case WorkflowCompleted:
		if s.Status != StatusStreaming {
			return s
		}
		next := s.clone()
		next.Status = StatusCompleted
		return next
	default:
		return s
	}
}

// actionForMessage maps a decoded stream line onto its reducer action.
func actionForMessage(m Message) Action {
	switch m.Status {
	case MessageStarted:
		return StepStarted{Step: m.Step}
	case MessageCompleted:
		return StepCompleted{Step: m.Step}
	case MessageError:
		msg := "step failed"
		if m.Step != "" {
			msg = "step " + m.Step + " failed"
		}
		if m.Error != "" {
			msg += ": " + m.Error
		}
		return SetError{Message: msg}
	default:
		return nil
	}
}
