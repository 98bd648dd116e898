// Package cooldown runs the ADR cycle: ramp the magnet with the heat switch
// closed, soak, open the switch and de-ramp until the stage reaches its
// regulation band, then hand the magnet to the SIM960 PID loop.
//
// Machine is a pure state machine driven by events and a clock. Controller
// adapts it to the agent runtime: it feeds the machine from the store and
// publishes the commands the machine emits.
package cooldown

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/pid"
	"github.com/MazinLab/picturec/pkg/store"
)

// State is the cycle state published at status:cycle:state.
type State string

const (
	StateCold       State = "COLD"
	StateWarm       State = "WARM"
	StateRamping    State = "RAMPING"
	StateRegulating State = "REGULATING"
	StateAborting   State = "ABORTING"
)

// States lists every cycle state, for gauges that need the full set.
var States = []string{
	string(StateCold), string(StateWarm), string(StateRamping), string(StateRegulating), string(StateAborting),
}

// SwitchState is the director's view of the heat switch.
type SwitchState string

const (
	SwitchOpen          SwitchState = "OPEN"
	SwitchClosed        SwitchState = "CLOSED"
	SwitchTransitioning SwitchState = "TRANSITIONING"
)

// ErrHeatSwitchTimeout is returned from a tick when a heat switch move was
// not confirmed before its deadline.
var ErrHeatSwitchTimeout = errors.New("heat switch transition timed out")

// outputEpsilon is how close to the lower output limit counts as exhausted.
const outputEpsilon = 1e-3

type phase string

const (
	phaseIdle       phase = "idle"
	phaseClosing    phase = "closing"
	phaseRampUp     phase = "ramp-up"
	phaseSoak       phase = "soak"
	phaseOpening    phase = "opening"
	phaseAwaitBand  phase = "await-band"
	phaseRegulating phase = "regulating"
	phaseDeramp     phase = "deramp"
)

// EventKind identifies what happened.
type EventKind string

const (
	EventCooldown      EventKind = "cooldown"
	EventSchedule      EventKind = "schedule"
	EventAbort         EventKind = "abort"
	EventTargetCurrent EventKind = "target-current"
	EventHeatSwitch    EventKind = "heatswitch"
	EventTemperature   EventKind = "temperature"
	EventResistance    EventKind = "resistance"
	EventCurrent       EventKind = "current"
	EventOutput        EventKind = "output"
	EventTick          EventKind = "tick"
)

// Event is one input to the machine.
type Event struct {
	Kind  EventKind
	Value float64
	// Text carries the abort reason or the reported heat switch position.
	Text string
	// At is the be-cold-at time of a schedule.
	At time.Time
	// Suspended holds ramp steps on a tick, e.g. while an instrument the
	// ramp depends on is in ERROR.
	Suspended bool
	// Command is the operator command behind the event, if any. It rides
	// along with a queued event so the outcome can be reported later.
	Command *store.Notification
}

// Settled is a queued event that has since run.
type Settled struct {
	Event Event
	Err   error
}

// operator commands wait out a heat switch move
func (e Event) queueable() bool {
	switch e.Kind {
	case EventCooldown, EventSchedule, EventAbort, EventTargetCurrent:
		return true
	}
	return false
}

// Action is one write the machine asks for. Keys in the command namespace
// are published to the owning agent; anything else is the director's own
// status or setting.
type Action struct {
	Key   store.Key
	Value string
}

// IsCommand reports whether the action must be published.
func (a Action) IsCommand() bool {
	return a.Key.Namespace() == store.NamespaceCommand
}

var (
	cmdHeatSwitch = store.CommandKey("device:currentduino:heatswitch")
	cmdVout       = store.CommandKey("device:sim960:vout-value")
	cmdPIDMode    = store.CommandKey("device:sim960:mode")
	cmdOutputMode = store.CommandKey("device:sim921:output-mode")
	cmdResOffset  = store.CommandKey("device:sim921:resistance-offset")
	cmdResSlope   = store.CommandKey("device:sim921:resistance-slope")

	keyCycleState    = store.StatusKey("cycle:state")
	keyScheduled     = store.StatusKey("cycle:scheduled-start")
	keySwitchState   = store.StatusKey("cycle:heatswitch-state")
	keyMagnetState   = store.StatusKey("magnet:state")
	keyMagnetCurrent = store.StatusKey("magnet:current")
	keyMagnetOutput  = store.StatusKey("magnet:output")
	keySignal        = store.StatusKey("pid:signal")
)

// Params tune a cycle. Currents are in amps, rates in amps per second.
type Params struct {
	RampRate       float64
	DerampRate     float64
	SoakCurrent    float64
	SoakTime       time.Duration
	CurrentBand    float64
	RegulationTemp float64
	RegulationBand float64
	RunawayMargin  float64

	HeatSwitchTimeout time.Duration
	AmpsPerVolt       float64

	PID          pid.Config
	Conditioning pid.Conditioning
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	if p.RampRate <= 0 || p.DerampRate <= 0 {
		return fmt.Errorf("ramp rates must be positive (ramp=%g, deramp=%g)", p.RampRate, p.DerampRate)
	}
	if p.AmpsPerVolt <= 0 {
		return fmt.Errorf("amps per volt must be positive, got %g", p.AmpsPerVolt)
	}
	if p.HeatSwitchTimeout <= 0 {
		return fmt.Errorf("heat switch timeout must be positive, got %s", p.HeatSwitchTimeout)
	}
	if p.CurrentBand <= 0 || p.RegulationBand <= 0 {
		return fmt.Errorf("bands must be positive (current=%g, regulation=%g)", p.CurrentBand, p.RegulationBand)
	}
	if p.SoakTime < 0 {
		return fmt.Errorf("soak time must not be negative, got %s", p.SoakTime)
	}
	return p.PID.Validate()
}

// TimeToCool is how long a cycle takes from the start of the ramp to the
// end of the de-ramp.
func (p Params) TimeToCool() time.Duration {
	secs := p.SoakCurrent/p.RampRate + p.SoakCurrent/p.DerampRate
	return time.Duration(secs*float64(time.Second)) + p.SoakTime
}

// rampConfig is the SIM960 model used for manual slews at rate amps/s.
func (p Params) rampConfig(rate float64) pid.Config {
	cfg := p.PID
	cfg.RampEnabled = true
	cfg.RampRate = rate / p.AmpsPerVolt
	return cfg
}

// Machine sequences one ADR cycle. It is not safe for concurrent use.
type Machine struct {
	p   Params
	sup *pid.Supervisor

	state  State
	phase  phase
	reason string

	sw         SwitchState
	swLast     SwitchState
	swTarget   SwitchState
	swDeadline time.Time
	queue      []Event
	settled    []Settled

	operatorRamp bool
	startAt      time.Time
	soakUntil    time.Time
	lastTick     time.Time

	current, resistance, observed             float64
	haveCurrent, haveResistance, haveObserved bool

	reported map[store.Key]string
}

// NewMachine returns a WARM machine whose magnet output starts at output
// volts and whose heat switch is believed to be sw.
func NewMachine(p Params, output float64, sw SwitchState) (*Machine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if sw != SwitchOpen && sw != SwitchClosed {
		return nil, fmt.Errorf("initial heat switch state must be OPEN or CLOSED, got %q", sw)
	}
	sup, err := pid.NewSupervisor(p.rampConfig(p.RampRate), pid.ADRChain(p.Conditioning), output)
	if err != nil {
		return nil, err
	}
	return &Machine{
		p:        p,
		sup:      sup,
		state:    StateWarm,
		phase:    phaseIdle,
		sw:       sw,
		swLast:   sw,
		reported: make(map[store.Key]string),
	}, nil
}

func (m *Machine) State() State              { return m.state }
func (m *Machine) Switch() SwitchState       { return m.sw }
func (m *Machine) SwitchTarget() SwitchState { return m.swTarget }
func (m *Machine) Output() float64           { return m.sup.Output() }
func (m *Machine) Params() Params            { return m.p }
func (m *Machine) AbortReason() string       { return m.reason }
func (m *Machine) Queued() int               { return len(m.queue) }
func (m *Machine) ScheduledStart() time.Time { return m.startAt }

// Settled returns and forgets the queued events that ran since the last
// call, with their results.
func (m *Machine) Settled() []Settled {
	out := m.settled
	m.settled = nil
	return out
}

// Configure replaces the cycle parameters. While the loop is automatic the
// new PID settings take effect at the next handover.
func (m *Machine) Configure(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	rate := p.RampRate
	if m.state == StateAborting || m.phase == phaseAwaitBand {
		rate = p.DerampRate
	}
	if m.sup.Mode() == pid.OutputManual {
		sup, err := pid.NewSupervisor(p.rampConfig(rate), pid.ADRChain(p.Conditioning), m.sup.Output())
		if err != nil {
			return err
		}
		sup.SetManual(m.sup.Target())
		m.sup = sup
	}
	m.p = p
	return nil
}

// Snapshot returns every status the machine publishes, changed or not.
func (m *Machine) Snapshot() []Action {
	m.reported = make(map[store.Key]string)
	var acts actions
	m.report(&acts)
	return acts.list
}

// Handle applies one event at now and returns the writes it calls for.
// Operator events that arrive while the heat switch is moving are queued and
// reported with a TransitionConflictError.
func (m *Machine) Handle(ev Event, now time.Time) ([]Action, error) {
	var acts actions
	var err error
	if ev.queueable() && m.sw == SwitchTransitioning {
		m.queue = append(m.queue, ev)
		err = &fault.TransitionConflictError{Op: string(ev.Kind), Position: len(m.queue) - 1}
	} else {
		err = m.handle(ev, now, &acts)
	}
	m.report(&acts)
	return acts.list, err
}

func (m *Machine) handle(ev Event, now time.Time, acts *actions) error {
	switch ev.Kind {
	case EventCooldown:
		return m.cooldown(now, acts)
	case EventSchedule:
		return m.schedule(ev.At, now)
	case EventAbort:
		m.abort(ev.Text, acts)
		return nil
	case EventTargetCurrent:
		return m.targetCurrent(ev.Value, acts)
	case EventHeatSwitch:
		return m.heatSwitch(ev.Text, now, acts)
	case EventTemperature:
		return m.temperature(ev.Value, now, acts)
	case EventResistance:
		m.resistance, m.haveResistance = ev.Value, true
		acts.status(keySignal, store.FormatFloat(m.p.Conditioning.Signal(ev.Value)))
		return nil
	case EventCurrent:
		m.current, m.haveCurrent = ev.Value, true
		return nil
	case EventOutput:
		m.output(ev.Value, acts)
		return nil
	case EventTick:
		return m.tick(now, ev.Suspended, acts)
	default:
		return fmt.Errorf("unknown event %q", ev.Kind)
	}
}

func (m *Machine) cooldown(now time.Time, acts *actions) error {
	if m.state != StateWarm && m.state != StateCold {
		return &fault.PreconditionError{Op: "cooldown", State: string(m.state), Reason: "a cycle is already in progress"}
	}

	m.state = StateRamping
	m.reason = ""
	m.operatorRamp = false
	m.startAt = time.Time{}
	m.setRate(m.p.RampRate)
	m.sup.SetManual(m.p.SoakCurrent / m.p.AmpsPerVolt)
	acts.command(cmdPIDMode, string(pid.OutputManual))

	if m.sw != SwitchClosed {
		m.phase = phaseClosing
		m.moveSwitch(SwitchClosed, now, acts)
		return nil
	}
	m.phase = phaseRampUp
	return nil
}

// schedule arranges for a cooldown to start early enough that the cycle
// finishes by at.
func (m *Machine) schedule(at, now time.Time) error {
	if m.state != StateWarm && m.state != StateCold {
		return &fault.PreconditionError{Op: "be-cold-at", State: string(m.state), Reason: "a cycle is already in progress"}
	}
	need := m.p.TimeToCool()
	if at.Sub(now) < need {
		return &fault.PreconditionError{
			Op:     "be-cold-at",
			State:  string(m.state),
			Reason: fmt.Sprintf("%s is too soon, a cycle takes %s", at.UTC().Format(time.RFC3339), need.Round(time.Second)),
		}
	}
	m.startAt = at.Add(-need)
	return nil
}

// abort de-ramps the magnet from wherever it is and cancels any scheduled
// cooldown. The heat switch stays put.
func (m *Machine) abort(reason string, acts *actions) {
	m.startAt = time.Time{}
	switch m.state {
	case StateWarm, StateCold, StateAborting:
		m.operatorRamp = false
		return
	}

	if m.sup.Mode() == pid.OutputPID {
		observed := m.sup.Output()
		if m.haveObserved {
			observed = m.observed
		}
		// Leaving automatic cannot fail.
		_ = m.sup.SwitchMode(pid.OutputManual, observed)
	}
	acts.command(cmdPIDMode, string(pid.OutputManual))

	m.state = StateAborting
	m.phase = phaseDeramp
	m.reason = reason
	m.operatorRamp = false
	m.setRate(m.p.DerampRate)
	m.sup.SetManual(0)
	if m.sup.AtTarget() {
		m.finishDeramp()
	}
}

func (m *Machine) finishDeramp() {
	m.state = StateWarm
	m.phase = phaseIdle
}

func (m *Machine) targetCurrent(amps float64, acts *actions) error {
	if m.sw != SwitchClosed {
		return &fault.PreconditionError{
			Op:     "magnet:target-current",
			State:  "heat switch " + string(m.sw),
			Reason: "the magnet may only ramp with the heat switch CLOSED",
		}
	}
	if m.state == StateRegulating || m.state == StateAborting {
		return &fault.PreconditionError{Op: "magnet:target-current", State: string(m.state), Reason: "the magnet is under cycle control"}
	}

	m.sup.SetManual(amps / m.p.AmpsPerVolt)
	if m.state == StateRamping {
		// New soak target for the running cycle.
		m.phase = phaseRampUp
		return nil
	}
	m.setRate(m.p.RampRate)
	m.operatorRamp = true
	return nil
}

func (m *Machine) heatSwitch(position string, now time.Time, acts *actions) error {
	var seen SwitchState
	switch position {
	case "open":
		seen = SwitchOpen
	case "close":
		seen = SwitchClosed
	default:
		return nil
	}

	if m.sw != SwitchTransitioning {
		if seen == m.sw {
			return nil
		}
		m.sw, m.swLast = seen, seen
		if seen == SwitchOpen && m.ramping() {
			m.abort("heatswitch", acts)
		}
		return nil
	}

	if seen != m.swTarget {
		return nil
	}
	m.sw, m.swLast = seen, seen
	switch m.phase {
	case phaseClosing:
		m.phase = phaseRampUp
	case phaseOpening:
		m.demagnetize()
	}
	m.replay(now, acts)
	return nil
}

// demagnetize starts the de-ramp that cools the stage once the switch is
// open. The PID loop takes over from wherever the output is when the stage
// enters its band.
func (m *Machine) demagnetize() {
	m.phase = phaseAwaitBand
	m.setRate(m.p.DerampRate)
	m.sup.SetManual(0)
}

// ramping reports whether the magnet is being driven up with the switch
// expected closed.
func (m *Machine) ramping() bool {
	return m.operatorRamp || (m.state == StateRamping && (m.phase == phaseRampUp || m.phase == phaseSoak))
}

// replay runs the commands queued behind a heat switch move, stopping again
// if one of them moves the switch. Results are collected for Settled.
func (m *Machine) replay(now time.Time, acts *actions) {
	queued := m.queue
	m.queue = nil

	for i, ev := range queued {
		if m.sw == SwitchTransitioning {
			m.queue = append(m.queue, queued[i:]...)
			return
		}
		m.settled = append(m.settled, Settled{Event: ev, Err: m.handle(ev, now, acts)})
	}
}

func (m *Machine) temperature(t float64, now time.Time, acts *actions) error {
	switch {
	case m.state == StateRamping && m.phase == phaseAwaitBand && math.Abs(t-m.p.RegulationTemp) <= m.p.RegulationBand:
		return m.regulate(now, acts)
	case m.state == StateRegulating && t > m.p.RegulationTemp+m.p.RunawayMargin:
		m.abort("runaway", acts)
	}
	return nil
}

// regulate closes the switch and hands the magnet to the PID loop, with
// the conditioning offset taken from the thermometer on setpoint.
func (m *Machine) regulate(now time.Time, acts *actions) error {
	cond := m.p.Conditioning
	if m.haveResistance {
		cond.Offset = m.resistance
	}

	sup, err := pid.NewSupervisor(m.p.PID, pid.ADRChain(cond), m.sup.Output())
	if err == nil {
		err = sup.SwitchMode(pid.OutputPID, m.sup.Output())
	}
	if err != nil {
		m.abort("polarity", acts)
		return err
	}

	m.sup = sup
	m.p.Conditioning = cond
	m.state = StateRegulating
	m.phase = phaseRegulating
	m.moveSwitch(SwitchClosed, now, acts)
	acts.command(cmdResOffset, store.FormatFloat(cond.Offset))
	acts.command(cmdResSlope, store.FormatFloat(cond.Aout))
	acts.command(cmdOutputMode, "pid")
	acts.command(cmdPIDMode, string(pid.OutputPID))
	return nil
}

func (m *Machine) output(v float64, acts *actions) {
	m.observed, m.haveObserved = v, true
	if m.state != StateRegulating {
		return
	}

	m.sup.SetOutput(v)
	if v > m.p.PID.VoutMin+outputEpsilon {
		return
	}
	// Magnet exhausted: the stage will warm from here.
	_ = m.sup.SwitchMode(pid.OutputManual, v)
	acts.command(cmdPIDMode, string(pid.OutputManual))
	m.state = StateCold
	m.phase = phaseIdle
}

func (m *Machine) tick(now time.Time, suspended bool, acts *actions) error {
	var err error
	if m.sw == SwitchTransitioning && !now.Before(m.swDeadline) {
		target := m.swTarget
		m.sw = m.swLast
		err = fmt.Errorf("%w: %s not confirmed within %s", ErrHeatSwitchTimeout, target, m.p.HeatSwitchTimeout)
		m.abort("heatswitch-timeout", acts)
		m.replay(now, acts)
	}

	if !m.startAt.IsZero() && !now.Before(m.startAt) && m.sw != SwitchTransitioning {
		if cErr := m.cooldown(now, acts); cErr != nil {
			m.startAt = time.Time{}
			err = errors.Join(err, cErr)
		}
	}

	dt := 0.0
	if !m.lastTick.IsZero() {
		dt = now.Sub(m.lastTick).Seconds()
	}
	m.lastTick = now
	if suspended || dt <= 0 {
		return err
	}
	m.step(now, dt, acts)
	return err
}

func (m *Machine) step(now time.Time, dt float64, acts *actions) {
	before := m.sup.Output()

	switch {
	case m.state == StateRamping && m.phase == phaseRampUp:
		m.sup.Step(0, dt)
		if m.sup.AtTarget() && m.currentNear(m.sup.Target()) {
			m.phase = phaseSoak
			m.soakUntil = now.Add(m.p.SoakTime)
		}
	case m.state == StateRamping && m.phase == phaseSoak:
		if !now.Before(m.soakUntil) {
			m.phase = phaseOpening
			m.moveSwitch(SwitchOpen, now, acts)
		}
	case m.state == StateRamping && m.phase == phaseAwaitBand:
		m.sup.Step(0, dt)
		if m.sup.AtTarget() {
			// Demagnetized without reaching the band; nothing left to regulate with.
			m.state = StateCold
			m.phase = phaseIdle
		}
	case m.state == StateAborting:
		m.sup.Step(0, dt)
		if m.sup.AtTarget() {
			m.finishDeramp()
		}
	case m.operatorRamp:
		m.sup.Step(0, dt)
		if m.sup.AtTarget() {
			m.operatorRamp = false
		}
	}

	if m.sup.Output() != before {
		acts.command(cmdVout, store.FormatFloat(m.sup.Output()))
	}
}

// currentNear compares the measured magnet current, or the commanded one
// when nothing fresh was measured, against target volts.
func (m *Machine) currentNear(target float64) bool {
	want := target * m.p.AmpsPerVolt
	got := m.sup.Output() * m.p.AmpsPerVolt
	if m.haveCurrent {
		got = m.current
	}
	return math.Abs(got-want) <= m.p.CurrentBand
}

func (m *Machine) moveSwitch(target SwitchState, now time.Time, acts *actions) {
	m.sw = SwitchTransitioning
	m.swTarget = target
	m.swDeadline = now.Add(m.p.HeatSwitchTimeout)

	position := "close"
	if target == SwitchOpen {
		position = "open"
	}
	acts.command(cmdHeatSwitch, position)
}

func (m *Machine) setRate(amps float64) {
	// Only the rate changes, which keeps the config valid.
	_ = m.sup.Reconfigure(m.p.rampConfig(amps))
}

func (m *Machine) magnetState() string {
	switch m.phase {
	case phaseRampUp:
		return "ramping"
	case phaseSoak, phaseOpening:
		return "soaking"
	case phaseAwaitBand, phaseDeramp:
		return "deramping"
	case phaseRegulating:
		return "regulating"
	}
	if m.operatorRamp {
		return "ramping"
	}
	return "idle"
}

func (m *Machine) scheduled() string {
	if m.startAt.IsZero() {
		return "none"
	}
	return m.startAt.UTC().Format(time.RFC3339)
}

// report appends every status whose value changed since it was last
// reported.
func (m *Machine) report(acts *actions) {
	out := m.sup.Output()
	for _, a := range []Action{
		{keyCycleState, string(m.state)},
		{keySwitchState, string(m.sw)},
		{keyScheduled, m.scheduled()},
		{keyMagnetState, m.magnetState()},
		{keyMagnetOutput, store.FormatFloat(out)},
		{keyMagnetCurrent, store.FormatFloat(out * m.p.AmpsPerVolt)},
	} {
		if m.reported[a.Key] == a.Value {
			continue
		}
		m.reported[a.Key] = a.Value
		acts.list = append(acts.list, a)
	}
}

type actions struct {
	list []Action
}

func (a *actions) command(key store.Key, value string) {
	a.list = append(a.list, Action{Key: key, Value: value})
}

func (a *actions) status(key store.Key, value string) {
	a.list = append(a.list, Action{Key: key, Value: value})
}
