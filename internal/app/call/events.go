package call

import (
	"encoding/json"

	"github.com/dkeye/Duet/internal/core"
)

// Attach registers the machine's inbound handlers on ch. The returned
// func removes them.
func (m *Machine) Attach(ch core.Channel) (detach func()) {
	offs := []func(){
		ch.On(core.EventCallOffer, decode(m, func(o core.CallOffer) { m.HandleOffer(o) })),
		ch.On(core.EventCallResponse, decode(m, func(r core.CallResponse) { m.HandleResponse(r) })),
		ch.On(core.EventCallAccepted, decode(m, func(r core.CallResponse) {
			r.Response = core.ResponseAccepted
			m.HandleResponse(r)
		})),
		ch.On(core.EventCallRejected, decode(m, func(r core.CallResponse) {
			r.Response = core.ResponseRejected
			m.HandleResponse(r)
		})),
		ch.On(core.EventCallEnded, decode(m, func(e core.CallEnd) { m.HandleEnded(e) })),
		ch.On(core.EventCallFailed, decode(m, func(e core.CallEnd) { m.HandleFailed(e) })),
		ch.On(core.EventConnection, decode(m, func(s core.ConnectionStatus) { m.HandleConnection(s) })),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func decode[T any](m *Machine, fn func(T)) core.Handler {
	return func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			m.logger.Error().Err(err).Msg("bad call payload")
			return
		}
		fn(v)
	}
}
