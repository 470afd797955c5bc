package codec

import "fmt"

// ProtocolID identifies one of the fixed modulation configurations supported
// by the codec engine.
type ProtocolID int

const (
	AudibleNormal ProtocolID = iota
	AudibleFast
	AudibleFastest
	UltrasoundNormal
	UltrasoundFast
	UltrasoundFastest
)

// NumProtocols is the size of the fixed protocol table.
const NumProtocols = 6

const (
	// MaxPayloadBytes is the largest UTF-8 payload the engine can carry in a
	// single transmission.
	MaxPayloadBytes = 140

	// DefaultVolume is the encode volume used when none is configured.
	DefaultVolume = 100

	// DefaultProtocol is the protocol selected at startup.
	DefaultProtocol = AudibleNormal
)

// Protocol is an immutable description of a modulation configuration.
// Audible protocols (0–2) and ultrasound protocols (3–5) share the same three
// speed tiers; higher ids within a family are faster and less robust.
type Protocol struct {
	ID      ProtocolID `json:"id"`
	Name    string     `json:"name"`
	Label   string     `json:"label"`
	Audible bool       `json:"audible"`
}

var protocols = [NumProtocols]Protocol{
	{ID: AudibleNormal, Name: "Normal", Label: "Audible Normal", Audible: true},
	{ID: AudibleFast, Name: "Fast", Label: "Audible Fast", Audible: true},
	{ID: AudibleFastest, Name: "Fastest", Label: "Audible Fastest", Audible: true},
	{ID: UltrasoundNormal, Name: "Silent", Label: "Ultrasound Normal"},
	{ID: UltrasoundFast, Name: "Silent+", Label: "Ultrasound Fast"},
	{ID: UltrasoundFastest, Name: "Silent++", Label: "Ultrasound Fastest"},
}

// Protocols returns a copy of the full protocol table ordered by id.
func Protocols() []Protocol {
	out := make([]Protocol, NumProtocols)
	copy(out, protocols[:])
	return out
}

// Lookup returns the protocol registered under id.
func Lookup(id ProtocolID) (Protocol, bool) {
	if !id.Valid() {
		return Protocol{}, false
	}
	return protocols[id], true
}

// Valid reports whether id names an entry in the protocol table.
func (id ProtocolID) Valid() bool {
	return id >= 0 && int(id) < NumProtocols
}

// Ultrasound reports whether id selects an inaudible carrier.
func (id ProtocolID) Ultrasound() bool {
	return id >= UltrasoundNormal && id <= UltrasoundFastest
}

// String returns the protocol label, or a placeholder for unknown ids.
func (id ProtocolID) String() string {
	if p, ok := Lookup(id); ok {
		return p.Label
	}
	return fmt.Sprintf("Protocol(%d)", int(id))
}
