package nodes

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/semflow/node"
	"github.com/c360/semflow/observe"
	"github.com/c360/semflow/registry"
)

// Delay modes, as named by the pauseType config key
const (
	pauseDelay    = "delay"
	pauseVariable = "delayv"
	pauseRandom   = "random"
	pauseRate     = "rate"
)

// Control properties honoured on incoming messages
const (
	fieldDelay = "delay"
	fieldRate  = "rate"
	fieldFlush = "flush"
	fieldReset = "reset"
)

// delayNode holds messages back for a time, or releases them no faster
// than a configured rate.
type delayNode struct {
	mode     string
	delay    time.Duration
	minDelay time.Duration
	maxDelay time.Duration
	interval time.Duration
	drop     bool
	outputs  int

	mu      sync.Mutex
	limiter *rate.Limiter

	// held are the delayed messages or the rate queue, oldest first
	held []*heldMsg
	wake chan struct{}
}

type heldMsg struct {
	msg *node.Message
	// cancel is closed once the message was flushed or reset
	cancel chan struct{}
}

func newDelay(cfg registry.Config) (node.Behavior, error) {
	c := cfg.Def.Config
	n := &delayNode{
		mode:    cfgString(c, "pauseType", pauseDelay),
		drop:    cfgBool(c, "drop", false),
		outputs: 1,
		wake:    make(chan struct{}, 1),
	}
	if o, err := cfgFloat(c, "outputs", 1); err == nil && o == 2 {
		n.outputs = 2
	}

	var err error
	switch n.mode {
	case pauseDelay, pauseVariable:
		n.delay, err = cfgDuration(c, "timeout", "timeoutUnits", 5)
	case pauseRandom:
		if n.minDelay, err = cfgDuration(c, "randomFirst", "randomUnits", 1); err != nil {
			break
		}
		if n.maxDelay, err = cfgDuration(c, "randomLast", "randomUnits", 5); err != nil {
			break
		}
		if n.maxDelay < n.minDelay {
			n.minDelay, n.maxDelay = n.maxDelay, n.minDelay
		}
	case pauseRate:
		n.interval, err = rateInterval(c)
		if err == nil {
			n.limiter = rate.NewLimiter(rate.Every(n.interval), 1)
		}
	default:
		err = fmt.Errorf("unsupported pauseType %q", n.mode)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// cfgDuration reads a value and its unit key
func cfgDuration(c map[string]any, key, unitKey string, def float64) (time.Duration, error) {
	v, err := cfgFloat(c, key, def)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("config %q must not be negative", key)
	}
	unit, err := durationUnit(cfgString(c, unitKey, "seconds"))
	if err != nil {
		return 0, err
	}
	return time.Duration(v * float64(unit)), nil
}

// rateInterval is the gap between releases: nbRateUnits rateUnits / rate
func rateInterval(c map[string]any) (time.Duration, error) {
	count, err := cfgFloat(c, "rate", 1)
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, fmt.Errorf("rate must be positive")
	}
	units, err := cfgFloat(c, "nbRateUnits", 1)
	if err != nil {
		return 0, err
	}
	if units <= 0 {
		units = 1
	}
	unit, err := durationUnit(cfgString(c, "rateUnits", "second"))
	if err != nil {
		return 0, err
	}
	return time.Duration(units * float64(unit) / count), nil
}

func (n *delayNode) OnStart(_ context.Context, out node.Output) error {
	if n.mode == pauseRate && !n.drop {
		out.Go(func(ctx context.Context) error {
			n.releaseLoop(ctx, out)
			return nil
		})
	}
	return nil
}

func (n *delayNode) OnMessage(_ context.Context, _ int, msg *node.Message, out node.Output) error {
	if reset, _ := msg.Get(fieldReset); truthy(reset) {
		n.reset()
		out.Status(observe.Status{})
		return nil
	}
	if flush, ok := msg.Get(fieldFlush); ok {
		n.flush(flush, out)
		// A flush message carrying a payload is passed on too
		if _, hasPayload := msg.Get(node.FieldPayload); !hasPayload {
			return nil
		}
	}

	if n.mode == pauseRate {
		return n.onRate(msg, out)
	}
	n.schedule(msg, n.delayFor(msg), out)
	return nil
}

func (n *delayNode) delayFor(msg *node.Message) time.Duration {
	switch n.mode {
	case pauseVariable:
		v, ok := msg.Get(fieldDelay)
		if !ok {
			return n.delay
		}
		ms, ok := toNumber(v)
		if !ok || ms <= 0 {
			return 0
		}
		return time.Duration(ms * float64(time.Millisecond))
	case pauseRandom:
		span := n.maxDelay - n.minDelay
		if span <= 0 {
			return n.minDelay
		}
		return n.minDelay + rand.N(span)
	default:
		return n.delay
	}
}

// schedule holds msg for d on a node task
func (n *delayNode) schedule(msg *node.Message, d time.Duration, out node.Output) {
	h := &heldMsg{msg: msg, cancel: make(chan struct{})}
	n.mu.Lock()
	n.held = append(n.held, h)
	pending := len(n.held)
	n.mu.Unlock()
	out.Status(observe.Status{Fill: "blue", Shape: "dot", Text: fmt.Sprint(pending)})

	out.Go(func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			n.forget(h)
			return nil
		case <-h.cancel:
			return nil
		case <-t.C:
		}
		if n.forget(h) {
			out.Emit(0, h.msg)
		}
		return nil
	})
}

// forget removes h from the held list and reports whether it was there
func (n *delayNode) forget(h *heldMsg) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, x := range n.held {
		if x == h {
			n.held = append(n.held[:i], n.held[i+1:]...)
			return true
		}
	}
	return false
}

func (n *delayNode) onRate(msg *node.Message, out node.Output) error {
	if v, ok := msg.Get(fieldRate); ok {
		if ms, ok := toNumber(v); ok && ms > 0 {
			n.limiter.SetLimit(rate.Every(time.Duration(ms * float64(time.Millisecond))))
		}
	}

	if n.drop {
		if n.limiter.Allow() {
			out.Emit(0, msg)
		} else if n.outputs == 2 {
			out.Emit(1, msg)
		}
		return nil
	}

	n.mu.Lock()
	n.held = append(n.held, &heldMsg{msg: msg})
	n.mu.Unlock()
	n.signal()
	return nil
}

// releaseLoop sends queued messages no faster than the limiter allows
func (n *delayNode) releaseLoop(ctx context.Context, out node.Output) {
	for {
		n.mu.Lock()
		empty := len(n.held) == 0
		n.mu.Unlock()
		if empty {
			select {
			case <-ctx.Done():
				return
			case <-n.wake:
				continue
			}
		}

		if err := n.limiter.Wait(ctx); err != nil {
			return
		}
		n.mu.Lock()
		if len(n.held) == 0 {
			n.mu.Unlock()
			continue
		}
		h := n.held[0]
		n.held = n.held[1:]
		n.mu.Unlock()
		out.Emit(0, h.msg)
	}
}

func (n *delayNode) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// flush releases held messages now: all of them, or the oldest count
// when flush is a number
func (n *delayNode) flush(v any, out node.Output) {
	n.mu.Lock()
	count := len(n.held)
	if f, ok := toNumber(v); ok && f >= 0 && int(f) < count {
		count = int(f)
	}
	batch := append([]*heldMsg(nil), n.held[:count]...)
	n.held = n.held[count:]
	n.mu.Unlock()

	for _, h := range batch {
		if h.cancel != nil {
			close(h.cancel)
		}
		out.Emit(0, h.msg)
	}
}

// reset discards every held message
func (n *delayNode) reset() {
	n.mu.Lock()
	held := n.held
	n.held = nil
	n.mu.Unlock()
	for _, h := range held {
		if h.cancel != nil {
			close(h.cancel)
		}
	}
}

func (n *delayNode) pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.held)
}

func (n *delayNode) OnStop(context.Context) error {
	n.reset()
	return nil
}

// truthy follows the loose truthiness used for control properties
func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	default:
		if f, ok := toNumber(b); ok {
			return f != 0
		}
		return true
	}
}
