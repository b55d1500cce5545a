package gateway

import (
	"encoding/json"
	"strings"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// Legacy frames.
//
// Older clients listen for flat event names ("message:new") carrying the bare
// payload instead of the "event" envelope frame. With Config.LegacyFrames set
// every delivered envelope is followed by its legacy frame. This is the only
// place the old format exists; delete it once no client depends on it.

// legacyOp maps "message.new" to "message:new" and
// "voice.state_update" to "voice:state_update".
func legacyOp(eventType string) Op {
	return Op(strings.Replace(eventType, ".", ":", 1))
}

func legacyFrame(env *model.Envelope) ([]byte, error) {
	return json.Marshal(outFrame{Op: legacyOp(env.Type), D: env.Payload})
}
