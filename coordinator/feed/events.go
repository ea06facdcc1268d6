// Package feed contains the event types published on the coordinator's
// event feeds. Services hold *event.Feed handles injected by the node and
// subscribe with typed channels.
package feed

// Event types fired during a ceremony's runtime.
const (
	// ParticipantUpdated is sent after a participant document transition.
	ParticipantUpdated = iota + 1
	// VerificationRequested is sent when an uploaded contribution is ready
	// for verification.
	VerificationRequested
	// ContributionClassified is sent once verification wrote its verdict
	// and the circuit counters advanced.
	ContributionClassified
	// BatonHandedOff is sent when a circuit's current contributor changed.
	BatonHandedOff
	// CeremonyStateChanged is sent on time- or finalization-triggered
	// ceremony transitions.
	CeremonyStateChanged
)

// Event is the envelope carried on a coordinator feed.
type Event struct {
	Type int
	Data interface{}
}

// ParticipantUpdatedData is the data sent with ParticipantUpdated events.
type ParticipantUpdatedData struct {
	CeremonyID string
	UserID     string
	Status     string
	Step       string
}

// VerificationRequestedData is the data sent with VerificationRequested
// events.
type VerificationRequestedData struct {
	CeremonyID    string
	CircuitID     string
	ParticipantID string
}

// ContributionClassifiedData is the data sent with ContributionClassified
// events.
type ContributionClassifiedData struct {
	CeremonyID    string
	CircuitID     string
	ParticipantID string
	ZkeyIndex     string
	Valid         bool
}

// BatonHandedOffData is the data sent with BatonHandedOff events.
type BatonHandedOffData struct {
	CeremonyID         string
	CircuitID          string
	LeavingParticipant string
	CurrentContributor string
}

// CeremonyStateChangedData is the data sent with CeremonyStateChanged
// events.
type CeremonyStateChangedData struct {
	CeremonyID string
	State      string
}
