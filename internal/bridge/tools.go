package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/realtime"
	"github.com/acme/outbound-voice-bridge/internal/tools"
)

// toolQueueSize bounds tool calls waiting behind a running one.
const toolQueueSize = 8

// startTools runs tool handlers on their own goroutine, one at a time, so
// their store and carrier round trips never stall the relay.
func (c *call) startTools(ctx context.Context) {
	c.toolCalls = make(chan realtime.FunctionCall, toolQueueSize)
	c.toolsDone = make(chan struct{})
	go func() {
		defer close(c.toolsDone)
		for fc := range c.toolCalls {
			c.m.deps.Tools.Dispatch(ctx, c.toolCall, fc)
		}
	}()
}

func (c *call) queueTool(fc realtime.FunctionCall) {
	if c.toolCalls == nil {
		return
	}
	select {
	case c.toolCalls <- fc:
	default:
		c.lg.Warn("bridge: tool queue full", zap.String("tool", fc.Name))
		c.Respond(fc.CallID, tools.Result{Error: "Another action is still in progress."})
	}
}

// stopTools lets the running handler finish its writes before the call's
// final records are made, waiting at most limit.
func (c *call) stopTools(limit time.Duration) {
	if c.toolCalls == nil {
		return
	}
	close(c.toolCalls)
	select {
	case <-c.toolsDone:
	case <-time.After(limit):
		c.lg.Warn("bridge: tool handler still running at cleanup")
	}
}

// loopControl applies tool effects on the call's event loop in the order the
// handler issued them, so a result frame always precedes the teardown it
// announces.
type loopControl struct {
	c *call
}

func (l loopControl) post(apply func()) {
	select {
	case l.c.effects <- apply:
	case <-l.c.done:
	}
}

func (l loopControl) Respond(callID string, result tools.Result) {
	l.post(func() { l.c.Respond(callID, result) })
}

func (l loopControl) Speak()           { l.post(l.c.Speak) }
func (l loopControl) Silence()         { l.post(l.c.Silence) }
func (l loopControl) BeginTransfer()   { l.post(l.c.BeginTransfer) }
func (l loopControl) BeginDisconnect() { l.post(l.c.BeginDisconnect) }

func (l loopControl) CloseAfter(d time.Duration, hangup bool) {
	l.post(func() { l.c.CloseAfter(d, hangup) })
}
