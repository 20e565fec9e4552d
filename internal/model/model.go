// Package model defines the ABI the runtime and a simulation model use
// to talk to each other (spec §6): the four callbacks the model
// exposes, and the six runtime services the model may call back into
// during dispatch.
package model

import (
	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/mm"
)

// Model is implemented by a simulation model. Dispatch runs one event;
// CanEnd is consulted after every event for condition-based
// termination (spec §4.8).
type Model interface {
	Dispatch(ctx *Context, lp event.LPID, now event.Time, eventType uint32, payload []byte)
	CanEnd(lp event.LPID) bool
}

// Services is the set of runtime operations a model's Dispatch may
// call, implemented by the LP process record that is driving the
// current dispatch. It is never used directly by model code; Context
// wraps it with the public, stable call shape of spec §6.
type Services interface {
	ScheduleEvent(dest event.LPID, destTime event.Time, eventType uint32, payload []byte)
	SetState(ref mm.Ref)
	State() mm.Ref
	Alloc(size int) (mm.Ref, []byte, error)
	Free(ref mm.Ref)
	Bytes(ref mm.Ref, size int) []byte
	Random() float64
	RandomU64() uint64
	Expent(mean float64) float64
	Normal() float64
	Stop()
	Self() event.LPID
}

// Context is the handle a model's Dispatch method receives. It exists
// so the model never touches global or thread-local engine state (see
// design note in SPEC_FULL.md / DESIGN.md): every runtime service is
// reached through this value, which is rebuilt fresh for each dispatch
// call and is only valid for the duration of that call.
type Context struct {
	svc Services
}

// NewContext wraps svc for use as a model-facing Context.
func NewContext(svc Services) *Context { return &Context{svc: svc} }

// ScheduleEvent enqueues a future event. It is a hard precondition
// that destTime be no earlier than the current event's time; ties are
// broken as described in spec §4.1.
func (c *Context) ScheduleEvent(dest event.LPID, destTime event.Time, eventType uint32, payload []byte) {
	c.svc.ScheduleEvent(dest, destTime, eventType, payload)
}

// SetState records the opaque model-state allocation for this LP. Must
// be called during INIT.
func (c *Context) SetState(ref mm.Ref) { c.svc.SetState(ref) }

// State returns the model-state allocation previously recorded via
// SetState.
func (c *Context) State() mm.Ref { return c.svc.State() }

// Alloc, Free and Bytes give the model a rollbackable heap to store its
// mutable state in; anything allocated here is transparently included
// in this LP's checkpoints.
func (c *Context) Alloc(size int) (mm.Ref, []byte, error) { return c.svc.Alloc(size) }
func (c *Context) Free(ref mm.Ref)                        { c.svc.Free(ref) }
func (c *Context) Bytes(ref mm.Ref, size int) []byte       { return c.svc.Bytes(ref, size) }

// Random, RandomU64, Expent and Normal are the rollbackable PRNG
// primitives; their state is checkpointed with the rest of the LP so
// that silent replay during rollback reproduces the same sequence.
func (c *Context) Random() float64          { return c.svc.Random() }
func (c *Context) RandomU64() uint64        { return c.svc.RandomU64() }
func (c *Context) Expent(mean float64) float64 { return c.svc.Expent(mean) }
func (c *Context) Normal() float64          { return c.svc.Normal() }

// Stop requests an explicit termination broadcast (spec §4.8).
func (c *Context) Stop() { c.svc.Stop() }

// Self returns the id of the LP currently being dispatched.
func (c *Context) Self() event.LPID { return c.svc.Self() }
