package testutil

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// FakePort is an in-memory serial port. Each newline-terminated write is
// handed to the handler and whatever it returns becomes readable.
type FakePort struct {
	mu      sync.Mutex
	handler func(cmd string) string
	line    []byte
	pending []byte
	writes  []string
	timeout time.Duration
	readErr error
	closed  bool
}

func NewFakePort(handler func(cmd string) string) *FakePort {
	return &FakePort{handler: handler, timeout: 10 * time.Millisecond}
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	for _, c := range b {
		if c != '\n' {
			p.line = append(p.line, c)
			continue
		}
		cmd := string(p.line)
		p.line = p.line[:0]
		p.writes = append(p.writes, cmd)
		if p.handler != nil {
			p.pending = append(p.pending, p.handler(cmd)...)
		}
	}
	return len(b), nil
}

// Read returns buffered reply bytes, or nothing after the read timeout, as
// go.bug.st/serial does.
func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	wait := p.timeout
	p.mu.Unlock()

	if wait > 5*time.Millisecond {
		wait = 5 * time.Millisecond
	}
	time.Sleep(wait)
	return 0, nil
}

func (p *FakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Inject makes raw bytes readable as if the device had sent them.
func (p *FakePort) Inject(raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, raw...)
}

// FailReads makes every subsequent read return err; nil restores the port.
func (p *FakePort) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

// SetHandler replaces the reply handler.
func (p *FakePort) SetHandler(h func(cmd string) string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Writes returns every command written so far.
func (p *FakePort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// SRS emulates a Stanford Research Systems module: "NAME ARG" sets a
// register and "NAME?" reads it back. Unknown queries get no reply.
type SRS struct {
	mu   sync.Mutex
	idn  string
	regs map[string]string
}

// NewSRS returns an emulated module identifying as model with the given
// initial registers.
func NewSRS(model string, regs map[string]string) *SRS {
	r := make(map[string]string, len(regs))
	for k, v := range regs {
		r[k] = v
	}
	return &SRS{idn: "Stanford_Research_Systems," + model + ",s/n001234,ver2.2", regs: r}
}

func (s *SRS) Handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd = strings.TrimSpace(cmd)
	if cmd == "*IDN?" {
		return s.idn + "\n"
	}
	if name, ok := strings.CutSuffix(cmd, "?"); ok {
		v, ok := s.regs[name]
		if !ok {
			return ""
		}
		return v + "\n"
	}
	name, arg, _ := strings.Cut(cmd, " ")
	s.regs[name] = arg
	return ""
}

// Register reads a register.
func (s *SRS) Register(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[name]
}

// Set changes a register as the front panel (or a power cycle) would.
func (s *SRS) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[name] = value
}

// Arduino emulates the currentduino/hemtduino firmware: each single
// character command is answered with a framed reply ending in its echo.
type Arduino struct {
	mu      sync.Mutex
	replies map[string]string
}

// NewArduino returns a board answering cmd with "<reply cmd>".
func NewArduino(replies map[string]string) *Arduino {
	r := make(map[string]string, len(replies))
	for k, v := range replies {
		r[k] = v
	}
	return &Arduino{replies: r}
}

func (a *Arduino) Handle(cmd string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	cmd = strings.TrimSpace(cmd)
	reply, ok := a.replies[cmd]
	if !ok {
		return ""
	}
	if reply == "" {
		return "<" + cmd + ">"
	}
	return "<" + reply + " " + cmd + ">"
}

// Reply changes the answer to cmd.
func (a *Arduino) Reply(cmd, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies[cmd] = reply
}
