package serial_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ROOT-Sim/core-sub001/internal/event"
	"github.com/ROOT-Sim/core-sub001/internal/mm"
	"github.com/ROOT-Sim/core-sub001/internal/model"
	"github.com/ROOT-Sim/core-sub001/internal/serial"
)

const (
	typePing uint32 = iota + 1
)

// pingPong schedules one event to the next LP in a ring, up to a
// fixed hop count stored in the payload, then reports can_end once
// the ring has fully wrapped.
type pingPong struct {
	lp      event.LPID
	ring    event.LPID
	trace   *[]event.LPID
	finished bool
}

func encodeHop(hops uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, hops)
	return b
}

func decodeHop(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func (p *pingPong) Dispatch(ctx *model.Context, lp event.LPID, now event.Time, eventType uint32, payload []byte) {
	*p.trace = append(*p.trace, lp)
	if eventType == event.TypeInit {
		if lp == 0 {
			ctx.ScheduleEvent((lp+1)%p.ring, now+1, typePing, encodeHop(1))
		}
		return
	}
	hops := decodeHop(payload)
	if hops >= uint32(p.ring)*2 {
		p.finished = true
		return
	}
	ctx.ScheduleEvent((lp+1)%p.ring, now+1, typePing, encodeHop(hops+1))
}

func (p *pingPong) CanEnd(event.LPID) bool { return p.finished }

func TestSerialEngineDeliversInGlobalOrder(t *testing.T) {
	const ring = event.LPID(4)
	var trace []event.LPID
	models := make(map[event.LPID]*pingPong)

	ids := make([]event.LPID, ring)
	for i := range ids {
		ids[i] = event.LPID(i)
	}

	newModel := func(lp event.LPID) model.Model {
		m := &pingPong{lp: lp, ring: ring, trace: &trace}
		models[lp] = m
		return m
	}

	eng := serial.New(ids, func(lp event.LPID) model.Model { return newModel(lp) }, mm.ModeFull, 4, 0, 7)
	eng.Run()

	require.NotEmpty(t, trace)
	for i := 1; i < len(trace); i++ {
		rec := eng.Record(trace[i])
		require.GreaterOrEqual(t, rec.Bound(), event.Time(0))
	}
}

func TestSerialEngineStopsAtTerminationTime(t *testing.T) {
	const ring = event.LPID(3)
	var trace []event.LPID
	ids := []event.LPID{0, 1, 2}

	eng := serial.New(ids, func(lp event.LPID) model.Model {
		return &pingPong{lp: lp, ring: ring, trace: &trace}
	}, mm.ModeFull, 0, 5, 1)
	eng.Run()

	for _, lp := range trace {
		rec := eng.Record(lp)
		require.LessOrEqual(t, rec.Bound(), event.Time(5))
	}
}
