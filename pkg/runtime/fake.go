package runtime

import (
	"context"
	"sync"

	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// ScriptedDriver is an in-process Driver for tests and scenario runs.
// Each agent gets a queue of step reports; Step pops the next one, and an
// exhausted queue reads as the agent still grinding.
type ScriptedDriver struct {
	mu       sync.Mutex
	scripts  map[string][]*Report
	orders   map[string]*Order
	begun    []Order
	halted   map[string]string
	probeErr map[string]error
	beginErr error
	stepErr  map[string]error
	frozen   map[string]*freeze
}

// freeze makes one agent's Step hang, simulating a pod that stopped
// responding. blocked is signalled once when a Step actually parks.
type freeze struct {
	release chan struct{}
	blocked chan struct{}
	once    sync.Once
}

// NewScriptedDriver creates an empty scripted driver. Script steps before
// handing it to a supervisor.
func NewScriptedDriver() *ScriptedDriver {
	return &ScriptedDriver{
		scripts:  make(map[string][]*Report),
		orders:   make(map[string]*Order),
		halted:   make(map[string]string),
		probeErr: make(map[string]error),
		stepErr:  make(map[string]error),
		frozen:   make(map[string]*freeze),
	}
}

// Script queues step reports for an agent, in the order Step returns
// them.
func (d *ScriptedDriver) Script(agentID string, reports ...*Report) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[agentID] = append(d.scripts[agentID], reports...)
}

// FailBegin makes every subsequent Begin return err. Pass nil to heal.
func (d *ScriptedDriver) FailBegin(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.beginErr = err
}

// FailStep makes Step for one agent return err. Pass nil to heal.
func (d *ScriptedDriver) FailStep(agentID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.stepErr, agentID)
		return
	}
	d.stepErr[agentID] = err
}

// FailProbe makes Probe for one agent return err. Pass nil to heal.
func (d *ScriptedDriver) FailProbe(agentID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.probeErr, agentID)
		return
	}
	d.probeErr[agentID] = err
}

// Freeze makes the agent's next Step park until Thaw or context
// cancellation, the way a wedged pod just stops answering. The returned
// channel closes once a Step is actually parked.
func (d *ScriptedDriver) Freeze(agentID string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := &freeze{
		release: make(chan struct{}),
		blocked: make(chan struct{}),
	}
	d.frozen[agentID] = f
	return f.blocked
}

// Thaw releases a frozen agent; the parked Step resumes and pops its
// script as usual.
func (d *ScriptedDriver) Thaw(agentID string) {
	d.mu.Lock()
	f := d.frozen[agentID]
	delete(d.frozen, agentID)
	d.mu.Unlock()
	if f != nil {
		close(f.release)
	}
}

func (d *ScriptedDriver) Begin(_ context.Context, order *Order) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.beginErr != nil {
		return d.beginErr
	}
	copied := *order
	d.orders[order.AgentID] = &copied
	d.begun = append(d.begun, copied)
	return nil
}

func (d *ScriptedDriver) Step(ctx context.Context, agentID string) (*Report, error) {
	d.mu.Lock()
	if f, ok := d.frozen[agentID]; ok {
		d.mu.Unlock()
		f.once.Do(func() { close(f.blocked) })
		select {
		case <-f.release:
		case <-ctx.Done():
			return &Report{Phase: "working"}, nil
		}
		d.mu.Lock()
	}
	defer d.mu.Unlock()
	if err := d.stepErr[agentID]; err != nil {
		return nil, err
	}
	if _, ok := d.orders[agentID]; !ok {
		return nil, orcherr.New(orcherr.KindNotFound, "agent %s has no active order", agentID)
	}
	queue := d.scripts[agentID]
	if len(queue) == 0 {
		return &Report{Phase: "working"}, nil
	}
	next := queue[0]
	d.scripts[agentID] = queue[1:]
	if next.Done || next.Failed {
		delete(d.orders, agentID)
	}
	copied := *next
	return &copied, nil
}

func (d *ScriptedDriver) Halt(_ context.Context, agentID, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted[agentID] = reason
	delete(d.orders, agentID)
	delete(d.scripts, agentID)
	return nil
}

func (d *ScriptedDriver) Probe(_ context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probeErr[agentID]
}

func (d *ScriptedDriver) Close() error { return nil }

// ActiveOrder returns the agent's current order, or nil when idle.
func (d *ScriptedDriver) ActiveOrder(agentID string) *Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	order, ok := d.orders[agentID]
	if !ok {
		return nil
	}
	copied := *order
	return &copied
}

// Begun returns every order ever accepted, oldest first.
func (d *ScriptedDriver) Begun() []Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Order(nil), d.begun...)
}

// HaltReason returns the reason the agent was last halted with, or "".
func (d *ScriptedDriver) HaltReason(agentID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[agentID]
}
