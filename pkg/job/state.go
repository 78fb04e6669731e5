package job

// State is the lifecycle position of a long-running job. The convention
// follows Homie device lifecycles.
type State string

const (
	Init         State = "init"
	Ready        State = "ready"
	Sleeping     State = "sleeping"
	Disconnected State = "disconnected"
	// Lost is only ever observed externally (broker last will after an
	// abnormal exit); a job never moves itself there.
	Lost State = "lost"
)

var states = map[State]bool{
	Init:         true,
	Ready:        true,
	Sleeping:     true,
	Disconnected: true,
	Lost:         true,
}

func (s State) Valid() bool { return states[s] }
