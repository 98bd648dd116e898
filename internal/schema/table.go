package schema

import (
	"fmt"
	"time"

	"github.com/MazinLab/picturec/pkg/store"
)

// Agent names. Each one owns the keys listed against it in Table.
const (
	AgentSIM921       = "sim921"
	AgentSIM960       = "sim960"
	AgentCurrentduino = "currentduino"
	AgentHemtduino    = "hemtduino"
	AgentLS240        = "ls240"
	AgentDirector     = "director"
	AgentQuench       = "quench"
)

// Device health values reported at status:device:<agent>:status.
const (
	HealthOK    = "OK"
	HealthOff   = "OFF"
	HealthError = "ERROR"
)

// FeedlineCount is the number of HEMT feedlines on the hemtduino board.
const FeedlineCount = 5

// Runtime key helpers. Every agent owns these regardless of its device.

// HealthKey returns status:device:<agent>:status.
func HealthKey(agent string) store.Key {
	return store.StatusKey("device:" + agent + ":status")
}

// HeartbeatKey returns status:agent:<agent>:heartbeat.
func HeartbeatKey(agent string) store.Key {
	return store.StatusKey("agent:" + agent + ":heartbeat")
}

// LastCommandKey returns status:agent:<agent>:last-command.
func LastCommandKey(agent string) store.Key {
	return store.StatusKey("agent:" + agent + ":last-command")
}

// RegistrationKey returns status:agent:<agent>:registration.
func RegistrationKey(agent string) store.Key {
	return store.StatusKey("agent:" + agent + ":registration")
}

// FeedlineKey returns status:feedline<n>:hemt:<reading>.
func FeedlineKey(n int, reading string) store.Key {
	return store.StatusKey(fmt.Sprintf("feedline%d:hemt:%s", n, reading))
}

func setting(owner, path string, kind Kind, def string) Entry {
	return Entry{Key: store.SettingKey(path), Owner: owner, Kind: kind, Default: def}
}

func status(owner, path string, kind Kind, staleness time.Duration) Entry {
	return Entry{Key: store.StatusKey(path), Owner: owner, Kind: kind, Staleness: staleness}
}

func (e Entry) writable(deviceCommand string) Entry {
	e.Writable = true
	e.DeviceCommand = deviceCommand
	return e
}

func (e Entry) commandOnly() Entry {
	e.Writable = true
	e.CommandOnly = true
	return e
}

func (e Entry) within(min, max float64) Entry {
	e.Bounded = true
	e.Min, e.Max = min, max
	return e
}

func (e Entry) oneOf(choices map[string]string) Entry {
	e.Choices = choices
	return e
}

func (e Entry) series() Entry {
	e.Timeseries = true
	return e
}

func (e Entry) unit(u string) Entry {
	e.Unit = u
	return e
}

var curveShapes = map[string]string{"linear": "0", "semilogt": "1", "semilogr": "2", "loglog": "3"}

var health = map[string]string{HealthOK: HealthOK, HealthOff: HealthOff, HealthError: HealthError}

// Table returns the static schema. The order here is the order used for the
// defaults document and for startup pulls.
func Table() []Entry {
	var t []Entry

	// SIM921 resistance bridge
	t = append(t,
		setting(AgentSIM921, "device:sim921:resistance-range", KindEnum, "20e3").writable("RANG").unit("Ω").oneOf(map[string]string{
			"20e-3": "0", "200e-3": "1", "2": "2", "20": "3", "200": "4",
			"2e3": "5", "20e3": "6", "200e3": "7", "2e6": "8", "20e6": "9",
		}),
		setting(AgentSIM921, "device:sim921:excitation-value", KindEnum, "100e-6").writable("EXCI").unit("V").oneOf(map[string]string{
			"0": "-1", "3e-6": "0", "10e-6": "1", "30e-6": "2", "100e-6": "3",
			"300e-6": "4", "1e-3": "5", "3e-3": "6", "10e-3": "7", "30e-3": "8",
		}),
		setting(AgentSIM921, "device:sim921:excitation-mode", KindEnum, "voltage").writable("MODE").oneOf(map[string]string{
			"passive": "0", "current": "1", "voltage": "2", "power": "3",
		}),
		setting(AgentSIM921, "device:sim921:time-constant", KindEnum, "3").writable("TCON").unit("s").oneOf(map[string]string{
			"0.3": "0", "1": "1", "3": "2", "10": "3", "30": "4", "100": "5", "300": "6",
		}),
		setting(AgentSIM921, "device:sim921:temp-offset", KindFloat, "0.1").writable("TSET").within(0.050, 40).unit("K"),
		setting(AgentSIM921, "device:sim921:temp-slope", KindFloat, "0.01").writable("VKEL").within(0, 1e-2).unit("V/K"),
		setting(AgentSIM921, "device:sim921:resistance-offset", KindFloat, "19400.5").writable("RSET").within(1049.08, 63765.1).unit("Ω"),
		setting(AgentSIM921, "device:sim921:resistance-slope", KindFloat, "1e-05").writable("VOHM").within(0, 1e-5).unit("V/Ω"),
		setting(AgentSIM921, "device:sim921:curve-profile", KindEnum, "loglog").oneOf(curveShapes),
		setting(AgentSIM921, "device:sim921:curve-channel", KindEnum, "1").writable("CURV").oneOf(map[string]string{"1": "1", "2": "2", "3": "3"}),
		setting(AgentSIM921, "device:sim921:manual-vout", KindFloat, "0").writable("AOUT").within(-10, 10).unit("V"),
		setting(AgentSIM921, "device:sim921:output-mode", KindEnum, "pid").writable("AMAN").oneOf(map[string]string{"pid": "0", "manual": "1"}),

		status(AgentSIM921, "temps:mkidarray:temp", KindFloat, 5*time.Second).series().unit("K"),
		status(AgentSIM921, "temps:mkidarray:resistance", KindFloat, 5*time.Second).series().unit("Ω"),
		status(AgentSIM921, "device:sim921:sim960-vout", KindFloat, 5*time.Second).series().unit("V"),
		status(AgentSIM921, "device:sim921:model", KindString, 0),
		status(AgentSIM921, "device:sim921:firmware", KindString, 0),
		status(AgentSIM921, "device:sim921:sn", KindString, 0),
	)

	// SIM960 PID controller
	t = append(t,
		setting(AgentSIM960, "device:sim960:mode", KindEnum, "manual").writable("AMAN").oneOf(map[string]string{"manual": "0", "pid": "1"}),
		setting(AgentSIM960, "device:sim960:vout-min-limit", KindFloat, "-0.1").writable("LLIM").within(-10, 10).unit("V"),
		setting(AgentSIM960, "device:sim960:vout-max-limit", KindFloat, "10").writable("ULIM").within(-10, 10).unit("V"),
		setting(AgentSIM960, "device:sim960:pid:polarity", KindEnum, "-").writable("APOL").oneOf(map[string]string{"+": "1", "-": "0"}),
		setting(AgentSIM960, "device:sim960:pid:mode", KindEnum, "pi").writable("").oneOf(map[string]string{"p": "p", "pi": "pi", "pid": "pid"}),
		setting(AgentSIM960, "device:sim960:pid:p", KindFloat, "1").writable("GAIN").within(1e-1, 1e3),
		setting(AgentSIM960, "device:sim960:pid:i", KindFloat, "1").writable("INTG").within(1e-2, 5e5).unit("1/s"),
		setting(AgentSIM960, "device:sim960:pid:d", KindFloat, "0").writable("DERV").within(0, 1e1).unit("s"),
		setting(AgentSIM960, "device:sim960:pid:offset", KindFloat, "0").writable("OFST").within(-10, 10).unit("V"),
		setting(AgentSIM960, "device:sim960:setpoint-mode", KindEnum, "internal").writable("INPT").oneOf(map[string]string{"internal": "0", "external": "1"}),
		setting(AgentSIM960, "device:sim960:setpoint", KindFloat, "0").writable("SETP").within(-10, 10).unit("V"),
		setting(AgentSIM960, "device:sim960:ramp-rate", KindFloat, "0.005").writable("RATE").within(1e-3, 1e4).unit("V/s"),
		setting(AgentSIM960, "device:sim960:ramp-enable", KindBool, "false").writable("RAMP"),
		setting(AgentSIM960, "device:sim960:vout-value", KindFloat, "0").writable("MOUT").within(-10, 10).unit("V"),

		status(AgentSIM960, "device:sim960:hcfet-control-voltage", KindFloat, 5*time.Second).series().unit("V"),
		status(AgentSIM960, "device:sim960:vin", KindFloat, 5*time.Second).series().unit("V"),
		status(AgentSIM960, "device:sim960:model", KindString, 0),
		status(AgentSIM960, "device:sim960:firmware", KindString, 0),
		status(AgentSIM960, "device:sim960:sn", KindString, 0),
	)

	// Currentduino: heat switch and high-current board
	t = append(t,
		setting(AgentCurrentduino, "device:currentduino:heatswitch", KindEnum, "close").writable("").oneOf(map[string]string{"open": "o", "close": "c"}),
		setting(AgentCurrentduino, "device:currentduino:highcurrentboard", KindEnum, "off").oneOf(map[string]string{"on": "on", "off": "off"}),

		status(AgentCurrentduino, "heatswitch", KindEnum, 30*time.Second).oneOf(map[string]string{"open": "open", "close": "close", "unknown": "unknown"}),
		status(AgentCurrentduino, "highcurrentboard:current", KindFloat, 10*time.Second).series().unit("A"),
		status(AgentCurrentduino, "highcurrentboard:powered", KindEnum, 10*time.Second).oneOf(map[string]string{"on": "on", "off": "off"}),
		status(AgentCurrentduino, "device:currentduino:firmware", KindString, 0),
	)

	// Hemtduino: HEMT bias monitor
	t = append(t,
		setting(AgentHemtduino, "device:hemtduino:hemts-enabled", KindBool, "true"),
		status(AgentHemtduino, "device:hemtduino:firmware", KindString, 0),
	)
	for n := 1; n <= FeedlineCount; n++ {
		prefix := fmt.Sprintf("feedline%d:hemt:", n)
		t = append(t,
			status(AgentHemtduino, prefix+"gate-voltage-bias", KindFloat, 30*time.Second).series().unit("V"),
			status(AgentHemtduino, prefix+"drain-current-bias", KindFloat, 30*time.Second).series().unit("V"),
			status(AgentHemtduino, prefix+"drain-voltage-bias", KindFloat, 30*time.Second).series().unit("V"),
			status(AgentHemtduino, prefix+"powered", KindBool, 30*time.Second),
			status(AgentHemtduino, prefix+"sn", KindString, 0),
		)
	}

	// LakeShore 240: cryogen tank thermometry
	t = append(t,
		setting(AgentLS240, "device:ls240:lhe-profile", KindEnum, "semilogt").oneOf(curveShapes),
		setting(AgentLS240, "device:ls240:ln2-profile", KindEnum, "linear").oneOf(curveShapes),

		status(AgentLS240, "temps:lhetank", KindFloat, 30*time.Second).series().unit("K"),
		status(AgentLS240, "temps:ln2tank", KindFloat, 30*time.Second).series().unit("K"),
		status(AgentLS240, "device:ls240:model", KindString, 0),
		status(AgentLS240, "device:ls240:firmware", KindString, 0),
		status(AgentLS240, "device:ls240:sn", KindString, 0),
	)

	// Director: cooldown cycle and magnet supervision
	t = append(t,
		setting(AgentDirector, "cycle:cooldown", KindEnum, "").commandOnly().oneOf(map[string]string{"now": "now"}),
		setting(AgentDirector, "cycle:abort", KindEnum, "").commandOnly().oneOf(map[string]string{"now": "now", "quench": "quench", "runaway": "runaway"}),
		setting(AgentDirector, "cycle:be-cold-at", KindString, "").commandOnly(),
		setting(AgentDirector, "cycle:ramp-rate", KindFloat, "0.005").writable("").within(1e-5, 1).unit("A/s"),
		setting(AgentDirector, "cycle:deramp-rate", KindFloat, "0.005").writable("").within(1e-5, 1).unit("A/s"),
		setting(AgentDirector, "cycle:soak-current", KindFloat, "9.4").writable("").within(0, 10).unit("A"),
		setting(AgentDirector, "cycle:soak-time", KindFloat, "1800").writable("").within(0, 86400).unit("s"),
		setting(AgentDirector, "cycle:current-band", KindFloat, "0.01").writable("").within(1e-4, 1).unit("A"),
		setting(AgentDirector, "cycle:regulation-temp", KindFloat, "0.1").writable("").within(0.05, 4).unit("K"),
		setting(AgentDirector, "cycle:regulation-band", KindFloat, "0.002").writable("").within(1e-4, 0.5).unit("K"),
		setting(AgentDirector, "cycle:runaway-margin", KindFloat, "0.05").writable("").within(1e-3, 10).unit("K"),
		setting(AgentDirector, "magnet:target-current", KindFloat, "").commandOnly().within(0, 10).unit("A"),

		status(AgentDirector, "cycle:state", KindEnum, 0).oneOf(map[string]string{
			"COLD": "COLD", "WARM": "WARM", "RAMPING": "RAMPING", "REGULATING": "REGULATING", "ABORTING": "ABORTING",
		}),
		status(AgentDirector, "cycle:heatswitch-state", KindEnum, 0).oneOf(map[string]string{
			"OPEN": "OPEN", "CLOSED": "CLOSED", "TRANSITIONING": "TRANSITIONING",
		}),
		status(AgentDirector, "cycle:scheduled-start", KindString, 0),
		status(AgentDirector, "magnet:state", KindEnum, 0).oneOf(map[string]string{
			"idle": "idle", "ramping": "ramping", "soaking": "soaking", "deramping": "deramping", "regulating": "regulating",
		}),
		status(AgentDirector, "magnet:current", KindFloat, 0).unit("A"),
		status(AgentDirector, "magnet:output", KindFloat, 0).unit("V"),
		status(AgentDirector, "pid:signal", KindFloat, 5*time.Second).unit("V"),
	)

	// Quench monitor
	t = append(t,
		setting(AgentQuench, "quench:factor", KindFloat, "5").writable("").within(1, 100),
		status(AgentQuench, "quench:detected", KindBool, 0),
		status(AgentQuench, "quench:di-dt", KindFloat, 10*time.Second).unit("A/s"),
	)

	// Runtime keys
	for _, agent := range []string{AgentSIM921, AgentSIM960, AgentCurrentduino, AgentHemtduino, AgentLS240, AgentDirector, AgentQuench} {
		t = append(t,
			Entry{Key: HealthKey(agent), Owner: agent, Kind: KindEnum, Choices: health},
			Entry{Key: HeartbeatKey(agent), Owner: agent, Kind: KindString, Staleness: 15 * time.Second},
			Entry{Key: LastCommandKey(agent), Owner: agent, Kind: KindString},
			Entry{Key: RegistrationKey(agent), Owner: agent, Kind: KindString},
		)
	}

	return t
}

// Builtin returns the registry for the static table. It panics only if the
// table itself is inconsistent, which the package tests rule out.
func Builtin() *Registry {
	r, err := New(Table())
	if err != nil {
		panic(fmt.Sprintf("schema: builtin table is invalid: %v", err))
	}
	return r
}
