package events

import (
	"fmt"

	"github.com/0xffffa/hookbus/signature"
)

// Event names. They double as feature names and signature names.
const (
	Tick           = "tick"
	Frame          = "frame"
	Camera         = "camera"
	ObjectDamage   = "object_damage"
	UIRender       = "ui_render"
	NetworkMessage = "network_message"
)

// StateSuffix is appended to an event name to form the name of the signature
// locating the host state block the event reads.
const StateSuffix = "_state"

// Each host routine loads a routine id, loads a pointer to its state block
// and calls into the native action:
//
//	B8 id 00 00 00   mov eax, id
//	A1 ptr32         mov eax, [state]
//	E8 rel32         call action     <- hook site
//	90 90
const (
	routinePattern = "B8 %02X 00 00 00 A1 ?? ?? ?? ?? E8 ?? ?? ?? ?? 90 90"
	siteOffset     = 10
	stateOffset    = 6
)

var routineIDs = []struct {
	name string
	id   byte
}{
	{Tick, 0x01},
	{Frame, 0x02},
	{Camera, 0x03},
	{ObjectDamage, 0x04},
	{UIRender, 0x05},
	{NetworkMessage, 0x06},
}

// Names lists every event name in feature order.
func Names() []string {
	names := make([]string, len(routineIDs))
	for i, r := range routineIDs {
		names[i] = r.name
	}
	return names
}

// DefaultSignatures is the static signature table: for every event, the call
// site to hook and the pointer operand addressing the host state block.
func DefaultSignatures() []signature.Definition {
	defs := make([]signature.Definition, 0, 2*len(routineIDs))
	for _, r := range routineIDs {
		pattern := fmt.Sprintf(routinePattern, r.id)
		defs = append(defs,
			signature.Definition{Name: r.name, Pattern: pattern, Offset: siteOffset},
			signature.Definition{Name: r.name + StateSuffix, Pattern: pattern, Offset: stateOffset},
		)
	}
	return defs
}
