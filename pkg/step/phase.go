package step

// Phase is a state of a run.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseHostResolved
	PhaseConnectionReady
	PhaseTagsExpanded
	PhaseBuilding
	PhaseBuilt
	PhaseBuildFailed
	PhaseOutcomeRecorded
	PhasePublishing
	PhasePublished
	PhasePublishFailed
	PhaseCleaning
	PhaseDone
)

var phaseNames = [...]string{
	PhaseInit:            "init",
	PhaseHostResolved:    "host-resolved",
	PhaseConnectionReady: "connection-ready",
	PhaseTagsExpanded:    "tags-expanded",
	PhaseBuilding:        "building",
	PhaseBuilt:           "built",
	PhaseBuildFailed:     "build-failed",
	PhaseOutcomeRecorded: "outcome-recorded",
	PhasePublishing:      "publishing",
	PhasePublished:       "published",
	PhasePublishFailed:   "publish-failed",
	PhaseCleaning:        "cleaning",
	PhaseDone:            "done",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Failed reports whether p is a terminal failure state.
func (p Phase) Failed() bool {
	return p == PhaseBuildFailed || p == PhasePublishFailed
}
