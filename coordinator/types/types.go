// Package types defines the document model shared by every coordinator
// service: ceremonies, circuits, participants, contributions, and timeouts.
// Relationships between documents are expressed by identifier only.
package types

import (
	"time"
)

// CeremonyState tracks the lifecycle of a ceremony.
type CeremonyState string

// Valid ceremony states.
const (
	CeremonyScheduled CeremonyState = "SCHEDULED"
	CeremonyOpened    CeremonyState = "OPENED"
	CeremonyPaused    CeremonyState = "PAUSED"
	CeremonyClosed    CeremonyState = "CLOSED"
	CeremonyFinalized CeremonyState = "FINALIZED"
)

// TimeoutMechanism selects how the scheduler computes the contribution
// deadline for the current contributor of a circuit.
type TimeoutMechanism string

// Valid timeout mechanisms.
const (
	TimeoutFixed   TimeoutMechanism = "FIXED"
	TimeoutDynamic TimeoutMechanism = "DYNAMIC"
)

// ParticipantStatus tracks where a participant stands in the ceremony.
type ParticipantStatus string

// Valid participant statuses.
const (
	StatusCreated      ParticipantStatus = "CREATED"
	StatusWaiting      ParticipantStatus = "WAITING"
	StatusReady        ParticipantStatus = "READY"
	StatusContributing ParticipantStatus = "CONTRIBUTING"
	StatusTimedOut     ParticipantStatus = "TIMEDOUT"
	StatusDone         ParticipantStatus = "DONE"
	StatusFinalizing   ParticipantStatus = "FINALIZING"
	StatusFinalized    ParticipantStatus = "FINALIZED"
	StatusExhumed      ParticipantStatus = "EXHUMED"
)

// ContributionStep tracks the current contributor's progress within one
// circuit. Steps only ever advance; a regression is a guard violation.
type ContributionStep string

// Valid contribution steps, in order.
const (
	StepDownloading ContributionStep = "DOWNLOADING"
	StepComputing   ContributionStep = "COMPUTING"
	StepUploading   ContributionStep = "UPLOADING"
	StepVerifying   ContributionStep = "VERIFYING"
	StepCompleted   ContributionStep = "COMPLETED"
)

// stepRank orders contribution steps for monotonicity checks.
var stepRank = map[ContributionStep]int{
	StepDownloading: 0,
	StepComputing:   1,
	StepUploading:   2,
	StepVerifying:   3,
	StepCompleted:   4,
}

// StepRank returns the ordinal of a contribution step, or -1 if unknown.
func StepRank(s ContributionStep) int {
	r, ok := stepRank[s]
	if !ok {
		return -1
	}
	return r
}

// NextStep returns the step after s. The final step maps to itself.
func NextStep(s ContributionStep) ContributionStep {
	switch s {
	case StepDownloading:
		return StepComputing
	case StepComputing:
		return StepUploading
	case StepUploading:
		return StepVerifying
	case StepVerifying:
		return StepCompleted
	default:
		return s
	}
}

// VerificationMechanism selects where contribution verification runs.
type VerificationMechanism string

// Valid verification mechanisms. CF runs verification in-process inside a
// bounded worker; VM dispatches it to a dedicated compute instance.
const (
	VerifyCF VerificationMechanism = "CF"
	VerifyVM VerificationMechanism = "VM"
)

// TimeoutType distinguishes why a participant was timed out.
type TimeoutType string

// Valid timeout types.
const (
	TimeoutBlockingContribution TimeoutType = "BLOCKING_CONTRIBUTION"
	TimeoutBlockingVerification TimeoutType = "BLOCKING_CLOUD_FUNCTION"
)

// Ceremony is the root document of a trusted setup ceremony.
type Ceremony struct {
	ID                       string           `json:"id"`
	Prefix                   string           `json:"prefix"`
	Title                    string           `json:"title"`
	Description              string           `json:"description"`
	StartDate                time.Time        `json:"startDate"`
	EndDate                  time.Time        `json:"endDate"`
	State                    CeremonyState    `json:"state"`
	CoordinatorID            string           `json:"coordinatorId"`
	TimeoutMechanism         TimeoutMechanism `json:"timeoutMechanism"`
	PenaltySeconds           int64            `json:"penalty"`
	DynamicTimeoutMultiplier float64          `json:"dynamicTimeoutMultiplier"`
	LastUpdated              time.Time        `json:"lastUpdated"`
}

// CircuitMetadata carries the R1CS-derived characteristics of a circuit.
// The coordinator treats these as opaque descriptive values.
type CircuitMetadata struct {
	Constraints   int64  `json:"constraints"`
	Wires         int64  `json:"wires"`
	Labels        int64  `json:"labels"`
	PublicInputs  int64  `json:"publicInputs"`
	PrivateInputs int64  `json:"privateInputs"`
	Outputs       int64  `json:"outputs"`
	Pot           int    `json:"pot"`
	Curve         string `json:"curve"`
}

// AvgTimings holds running means, in milliseconds, over valid contributions.
type AvgTimings struct {
	ContributionComputation int64 `json:"contributionComputation"`
	FullContribution        int64 `json:"fullContribution"`
	VerifyCloudFunction     int64 `json:"verifyCloudFunction"`
}

// VerificationConfig selects the verification mechanism for a circuit and,
// for the VM mechanism, names the dedicated instance.
type VerificationConfig struct {
	Mechanism    VerificationMechanism `json:"mechanism"`
	VMInstanceID string                `json:"vmInstanceId,omitempty"`
}

// WaitingQueue is the per-circuit contributor queue. The head of Contributors
// is always the current contributor when the queue is non-empty.
type WaitingQueue struct {
	Contributors           []string `json:"contributors"`
	CurrentContributor     string   `json:"currentContributor"`
	CompletedContributions int64    `json:"completedContributions"`
	FailedContributions    int64    `json:"failedContributions"`
}

// Circuit is a per-ceremony circuit document.
type Circuit struct {
	CeremonyID        string             `json:"ceremonyId"`
	ID                string             `json:"id"`
	SequencePosition  int                `json:"sequencePosition"`
	Prefix            string             `json:"prefix"`
	Metadata          CircuitMetadata    `json:"metadata"`
	ZKeySizeInBytes   int64              `json:"zKeySizeInBytes"`
	PotSizeInBytes    int64              `json:"potSizeInBytes"`
	FixedTimeWindow   int64              `json:"fixedTimeWindow,omitempty"`
	WaitingQueue      WaitingQueue       `json:"waitingQueue"`
	AvgTimings        AvgTimings         `json:"avgTimings"`
	Verification      VerificationConfig `json:"verification"`
	Files             CircuitFiles       `json:"files"`
	LastUpdated       time.Time          `json:"lastUpdated"`
}

// CircuitFiles records the storage paths of a circuit's setup artifacts and,
// once they exist, its finalization artifacts.
type CircuitFiles struct {
	PotStoragePath              string `json:"potStoragePath,omitempty"`
	R1csStoragePath             string `json:"r1csStoragePath,omitempty"`
	WasmStoragePath             string `json:"wasmStoragePath,omitempty"`
	GenesisZkeyStoragePath      string `json:"genesisZkeyStoragePath,omitempty"`
	FinalZkeyStoragePath        string `json:"finalZkeyStoragePath,omitempty"`
	VerificationKeyStoragePath  string `json:"verificationKeyStoragePath,omitempty"`
	VerifierContractStoragePath string `json:"verifierContractStoragePath,omitempty"`
}

// TempContributionData is the single-writer scratch area of the current
// contributor: the open multipart upload and its acknowledged chunks. Only
// the owning participant and the scheduler (on timeout) may mutate it.
type TempContributionData struct {
	UploadID                    string  `json:"uploadId,omitempty"`
	Chunks                      []Chunk `json:"chunks,omitempty"`
	ContributionComputationTime int64   `json:"contributionComputationTime,omitempty"`
	ContributionHash            string  `json:"contributionHash,omitempty"`
}

// Chunk is one acknowledged multipart upload part.
type Chunk struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// Participant is a per-ceremony registration of an authenticated user.
type Participant struct {
	CeremonyID            string               `json:"ceremonyId"`
	UserID                string               `json:"userId"`
	Status                ParticipantStatus    `json:"status"`
	ContributionStep      ContributionStep     `json:"contributionStep"`
	ContributionProgress  int                  `json:"contributionProgress"`
	Contributions         []string             `json:"contributions"`
	TempContributionData  TempContributionData `json:"tempContributionData"`
	ContributionStartedAt time.Time            `json:"contributionStartedAt"`
	VerificationStartedAt time.Time            `json:"verificationStartedAt"`
	LastUpdated           time.Time            `json:"lastUpdated"`
}

// ContributionFiles records the storage paths and hashes attached to one
// contribution.
type ContributionFiles struct {
	LastZkeyStoragePath         string `json:"lastZkeyStoragePath"`
	TranscriptStoragePath       string `json:"transcriptStoragePath,omitempty"`
	LastZkeyBlake2bHash         string `json:"lastZkeyBlake2bHash,omitempty"`
	TranscriptBlake2bHash       string `json:"transcriptBlake2bHash,omitempty"`
	VerificationKeyStoragePath  string `json:"verificationKeyStoragePath,omitempty"`
	VerifierContractStoragePath string `json:"verifierContractStoragePath,omitempty"`
}

// Contribution is one participant's transform of a circuit's previous zkey,
// or the coordinator's finalization beacon when ZkeyIndex == FinalZkeyIndex.
type Contribution struct {
	ID                          string            `json:"id"`
	CeremonyID                  string            `json:"ceremonyId"`
	CircuitID                   string            `json:"circuitId"`
	ParticipantID               string            `json:"participantId"`
	ZkeyIndex                   string            `json:"zkeyIndex"`
	Valid                       bool              `json:"valid"`
	ContributionComputationTime int64             `json:"contributionComputationTime"`
	VerificationComputationTime int64             `json:"verificationComputationTime"`
	Files                       ContributionFiles `json:"files"`
	Beacon                      string            `json:"beacon,omitempty"`
	CreatedAt                   time.Time         `json:"createdAt"`
	LastUpdated                 time.Time         `json:"lastUpdated"`
}

// Timeout is a penalty window attached to a participant. It is active while
// EndDate has not passed.
type Timeout struct {
	CeremonyID    string      `json:"ceremonyId"`
	ParticipantID string      `json:"participantId"`
	Type          TimeoutType `json:"type"`
	StartDate     time.Time   `json:"startDate"`
	EndDate       time.Time   `json:"endDate"`
}

// Active reports whether the timeout window still covers now. A timeout
// expiring exactly at now is treated as expired.
func (t *Timeout) Active(now time.Time) bool {
	return t.EndDate.After(now)
}

// Head returns the current head of the queue, or empty if the queue is empty.
func (q *WaitingQueue) Head() string {
	if len(q.Contributors) == 0 {
		return ""
	}
	return q.Contributors[0]
}

// Contains reports whether the participant is anywhere in the queue.
func (q *WaitingQueue) Contains(participantID string) bool {
	for _, c := range q.Contributors {
		if c == participantID {
			return true
		}
	}
	return false
}

// CheckInvariant verifies the queue's structural invariant: the current
// contributor is empty exactly when the queue is empty, and otherwise equals
// the head.
func (q *WaitingQueue) CheckInvariant() bool {
	if len(q.Contributors) == 0 {
		return q.CurrentContributor == ""
	}
	return q.CurrentContributor == q.Contributors[0]
}
