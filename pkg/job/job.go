// Package job is the lifecycle and settings-synchronization framework that
// every long-running component embeds. A job walks the five Homie-style
// states, mirrors its declared settings onto retained bus topics, accepts
// remote writes on <topic>/set, and guarantees that at most one instance per
// job name is active in the process.
package job

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ericogr/odreader-to-mqtt/pkg/kvstore"
	"github.com/ericogr/odreader-to-mqtt/pkg/pubsub"
)

// Broadcast is the unit wildcard: settings published under it address every
// unit running the experiment.
const Broadcast = "$broadcast"

var (
	ErrInvalidState      = errors.New("job: not a valid state")
	ErrDuplicateInstance = kvstore.ErrDuplicateInstance

	// a few names are reserved for other parts of the system
	disallowedNames = map[string]bool{
		"run":               true,
		"leds":              true,
		"led_change_events": true,
		"logs":              true,
	}
)

type transitionKey struct{ from, to State }

type declared struct {
	Setting
	value any
}

type Options struct {
	Name       string
	Namespace  string
	Unit       string
	Experiment string
	Bus        pubsub.Bus
	// Store defaults to the process-wide registry.
	Store  *kvstore.Store
	Logger zerolog.Logger
}

type Job struct {
	Name       string
	Namespace  string
	Unit       string
	Experiment string
	Logger     zerolog.Logger

	bus   pubsub.Bus
	store *kvstore.Store
	owner kvstore.Owner

	mu              sync.Mutex
	state           State
	settings        map[string]*declared
	order           []string
	transitionHooks map[transitionKey]func() error
	entryHooks      map[State]func() error

	disconnectOnce sync.Once
	done           chan struct{}
}

// New builds a job in the init state. It fails fast if another live instance
// of the same job name is already active. The caller runs its own
// initialization afterwards and then calls Ready; if that initialization
// fails the caller must invoke Disconnect to unwind.
func New(opts Options) (*Job, error) {
	if disallowedNames[opts.Name] {
		return nil, fmt.Errorf("job: name %q not allowed", opts.Name)
	}
	store := opts.Store
	if store == nil {
		store = kvstore.Default()
	}
	j := &Job{
		Name:            opts.Name,
		Namespace:       opts.Namespace,
		Unit:            opts.Unit,
		Experiment:      opts.Experiment,
		Logger:          opts.Logger,
		bus:             opts.Bus,
		store:           store,
		owner:           kvstore.NewOwner(),
		state:           Init,
		settings:        make(map[string]*declared),
		transitionHooks: make(map[transitionKey]func() error),
		entryHooks:      make(map[State]func() error),
		done:            make(chan struct{}),
	}

	if store.IsActive(j.Name) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, j.Name)
	}

	if err := j.DeclareSetting(Setting{
		Name:     "state",
		Datatype: String,
		Settable: true,
		Persist:  true,
		Set:      j.setStateFromRemote,
	}, string(Init)); err != nil {
		return nil, err
	}

	if err := j.subscribeToSets(); err != nil {
		return nil, err
	}
	j.logState(Init)
	return j, nil
}

// Owner is the identity this job uses for locks in the shared store.
func (j *Job) Owner() kvstore.Owner { return j.owner }

func (j *Job) Store() *kvstore.Store { return j.store }

func (j *Job) Bus() pubsub.Bus { return j.bus }

// BaseTopic is <ns>/<unit>/<experiment>/<job name>.
func (j *Job) BaseTopic() string {
	return fmt.Sprintf("%s/%s/%s/%s", j.Namespace, j.Unit, j.Experiment, j.Name)
}

func (j *Job) topicFor(setting string) string {
	// state is special-cased to $state per the Homie convention
	if setting == "state" {
		return j.BaseTopic() + "/$state"
	}
	return j.BaseTopic() + "/" + setting
}

// Publish sends a payload under this job's topic namespace.
func (j *Job) Publish(subtopic string, payload any, retain bool) {
	j.bus.Publish(j.BaseTopic()+"/"+subtopic, payload, retain)
}

// Subscribe registers a bus callback; exceptions in handlers are the
// handler's problem, the bus stays alive.
func (j *Job) Subscribe(topic string, allowRetained bool, h pubsub.Handler) error {
	return j.bus.Subscribe(topic, pubsub.AtLeastOnce, allowRetained, h)
}

// OnTransition installs the hook that runs before committing a specific
// (from, to) transition. A hook error aborts the transition.
func (j *Job) OnTransition(from, to State, h func() error) {
	j.mu.Lock()
	j.transitionHooks[transitionKey{from, to}] = h
	j.mu.Unlock()
}

// OnState installs the hook that runs after entering a state. Entry hook
// errors are logged but the state stays committed. The Disconnected entry
// hook doubles as the job's teardown.
func (j *Job) OnState(s State, h func() error) {
	j.mu.Lock()
	j.entryHooks[s] = h
	j.mu.Unlock()
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to a new state, running the (from, to) hook and
// then the entry hook. No-op if the state is unchanged.
func (j *Job) Transition(to State) error {
	if !to.Valid() {
		j.Logger.Error().Str("state", string(to)).Msg("not a valid state")
		return fmt.Errorf("%w: %q", ErrInvalidState, to)
	}
	if to == Lost {
		// lost is assigned by observers of our last will, never by us
		j.Logger.Warn().Msg("refusing to self-transition to lost")
		return fmt.Errorf("%w: cannot self-transition to lost", ErrInvalidState)
	}
	if to == Disconnected {
		j.Disconnect()
		return nil
	}

	j.mu.Lock()
	from := j.state
	if from == to {
		j.mu.Unlock()
		return nil
	}
	hook := j.transitionHooks[transitionKey{from, to}]
	entry := j.entryHooks[to]
	j.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			j.Logger.Error().Err(err).Msgf("transition %s -> %s aborted", from, to)
			return err
		}
	}

	j.mu.Lock()
	j.state = to
	if d, ok := j.settings["state"]; ok {
		d.value = string(to)
	}
	j.mu.Unlock()
	j.publishValue("state")

	if entry != nil {
		if err := entry(); err != nil {
			// the state is already committed; surface the failure only
			j.Logger.Error().Err(err).Msgf("entering %s", to)
		}
	}
	j.logState(to)
	return nil
}

// Ready marks the job active in the shared registry and transitions to
// ready. Activation happens here, not in New, so a failed construction never
// leaves a stale active mark.
func (j *Job) Ready() error {
	if err := j.store.SetActive(j.Name, j.owner); err != nil {
		return err
	}
	return j.Transition(Ready)
}

// Disconnect tears the job down: runs the teardown hook, clears retained
// topics (except persistent ones), releases the duplicate-instance mark and
// unblocks waiters. Idempotent and safe from signal handlers and remote
// commands.
func (j *Job) Disconnect() {
	j.disconnectOnce.Do(func() {
		j.mu.Lock()
		j.state = Disconnected
		if d, ok := j.settings["state"]; ok {
			d.value = string(Disconnected)
		}
		teardown := j.entryHooks[Disconnected]
		j.mu.Unlock()

		// publish state first so the broker carries it even if teardown dies
		j.publishValue("state")

		if teardown != nil {
			if err := teardown(); err != nil {
				j.Logger.Debug().Err(err).Msg("teardown hook")
			}
		}

		j.clearRetained()
		j.store.ClearActive(j.Name, j.owner)
		j.logState(Disconnected)
		close(j.done)
	})
}

// FatalError is the sink for exceptions escaping a full work cycle: log and
// take the job down.
func (j *Job) FatalError(err error) {
	j.Logger.Error().Err(err).Msg("fatal error, disconnecting")
	j.Disconnect()
}

// BlockUntilDisconnected parks the caller until Disconnect runs.
func (j *Job) BlockUntilDisconnected() {
	<-j.done
}

func (j *Job) Done() <-chan struct{} { return j.done }

// DeclareSetting validates and registers a published setting, pushes its
// metadata ($datatype, $settable, $unit) retained, and publishes the initial
// value.
func (j *Job) DeclareSetting(s Setting, initial any) error {
	if err := s.validate(); err != nil {
		return err
	}
	j.mu.Lock()
	if _, dup := j.settings[s.Name]; dup {
		j.mu.Unlock()
		return fmt.Errorf("%w: setting %q declared twice", ErrSettingValidation, s.Name)
	}
	j.settings[s.Name] = &declared{Setting: s, value: initial}
	j.order = append(j.order, s.Name)
	properties := strings.Join(j.order, ",")
	j.mu.Unlock()

	j.bus.PublishQOS(j.BaseTopic()+"/$properties", properties, pubsub.AtLeastOnce, true)
	j.bus.PublishQOS(j.topicFor(s.Name)+"/$settable", s.Settable, pubsub.AtLeastOnce, true)
	j.bus.PublishQOS(j.topicFor(s.Name)+"/$datatype", string(s.Datatype), pubsub.AtLeastOnce, true)
	if s.Unit != "" {
		j.bus.PublishQOS(j.topicFor(s.Name)+"/$unit", s.Unit, pubsub.AtLeastOnce, true)
	}
	if initial != nil {
		j.publishValue(s.Name)
	}
	return nil
}

// SetValue updates a declared setting from inside the process and republishes
// it retained.
func (j *Job) SetValue(name string, v any) {
	j.mu.Lock()
	d, ok := j.settings[name]
	if ok {
		d.value = v
	}
	j.mu.Unlock()
	if !ok {
		j.Logger.Debug().Str("setting", name).Msg("set of undeclared setting ignored")
		return
	}
	j.publishValue(name)
}

// Value returns the current value of a declared setting.
func (j *Job) Value(name string) any {
	j.mu.Lock()
	defer j.mu.Unlock()
	if d, ok := j.settings[name]; ok {
		return d.value
	}
	return nil
}

func (j *Job) publishValue(name string) {
	j.mu.Lock()
	d, ok := j.settings[name]
	var v any
	if ok {
		v = d.value
	}
	j.mu.Unlock()
	if !ok {
		return
	}
	j.bus.PublishQOS(j.topicFor(name), v, pubsub.ExactlyOnce, true)
}

func (j *Job) subscribeToSets() error {
	topics := []string{
		j.BaseTopic() + "/+/set",
		fmt.Sprintf("%s/%s/%s/%s/+/set", j.Namespace, Broadcast, j.Experiment, j.Name),
	}
	for _, t := range topics {
		// retained /set messages are stale commands; skip them
		if err := j.bus.Subscribe(t, pubsub.AtLeastOnce, false, j.handleSet); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) handleSet(msg pubsub.Message) {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) < 6 {
		return
	}
	name := strings.TrimPrefix(parts[4], "$")

	j.mu.Lock()
	d, ok := j.settings[name]
	j.mu.Unlock()
	if !ok {
		j.Logger.Debug().Str("setting", name).Msg("unable to set unknown setting")
		return
	}
	if !d.Settable {
		j.Logger.Debug().Str("setting", name).Msg("setting is read-only")
		return
	}

	newValue, err := decodeValue(msg.Payload, d.Datatype)
	if err != nil {
		j.Logger.Error().Err(err).Str("setting", name).Msg("undecodable remote value")
		return
	}

	old := j.Value(name)
	if d.Set != nil {
		// a custom setter publishes the value itself (via SetValue or a
		// transition); republishing here would double every update
		if err := d.Set(newValue); err != nil {
			j.Logger.Error().Err(err).Str("setting", name).Msg("remote set rejected")
			return
		}
	} else {
		j.mu.Lock()
		d.value = newValue
		j.mu.Unlock()
		j.publishValue(name)
	}
	j.Logger.Info().Msgf("Updated %s from %s to %s.", name,
		formatWithUnit(old, d.Unit), formatWithUnit(j.Value(name), d.Unit))
}

func (j *Job) setStateFromRemote(v any) error {
	s, _ := v.(string)
	return j.Transition(State(s))
}

// clearRetained wipes every retained topic under the job's namespace except
// settings flagged persistent, per the Homie removal convention.
func (j *Job) clearRetained() {
	j.mu.Lock()
	names := make([]string, len(j.order))
	copy(names, j.order)
	settings := make(map[string]*declared, len(j.settings))
	for k, v := range j.settings {
		settings[k] = v
	}
	j.mu.Unlock()

	j.bus.ClearRetained(j.BaseTopic() + "/$properties")
	for _, name := range names {
		d := settings[name]
		if !d.Persist {
			j.bus.ClearRetained(j.topicFor(name))
		}
		j.bus.ClearRetained(j.topicFor(name) + "/$settable")
		j.bus.ClearRetained(j.topicFor(name) + "/$datatype")
		if d.Unit != "" {
			j.bus.ClearRetained(j.topicFor(name) + "/$unit")
		}
	}
}

func (j *Job) logState(s State) {
	msg := capitalize(string(s)) + "."
	if s == Ready || s == Disconnected {
		j.Logger.Info().Msg(msg)
	} else {
		j.Logger.Debug().Msg(msg)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
