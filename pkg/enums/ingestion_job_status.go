package enums

// IngestionJobStatus maps to the ingestion_jobs.status column.
type IngestionJobStatus string

const (
	IngestionJobQueued     IngestionJobStatus = "QUEUED"
	IngestionJobParsing    IngestionJobStatus = "PARSING"
	IngestionJobProcessing IngestionJobStatus = "PROCESSING"
	IngestionJobDeduping   IngestionJobStatus = "DEDUPING"
	IngestionJobFinalizing IngestionJobStatus = "FINALIZING"
	IngestionJobComplete   IngestionJobStatus = "COMPLETE"
	IngestionJobFailed     IngestionJobStatus = "FAILED"
)

// ingestionStageOrder is the forward-only promotion path. FAILED sits outside it.
var ingestionStageOrder = []IngestionJobStatus{
	IngestionJobQueued,
	IngestionJobParsing,
	IngestionJobProcessing,
	IngestionJobDeduping,
	IngestionJobFinalizing,
	IngestionJobComplete,
}

var validIngestionJobStatuses = append(append([]IngestionJobStatus{}, ingestionStageOrder...), IngestionJobFailed)

// IsValid reports whether the value matches a known ingestion status.
func (s IngestionJobStatus) IsValid() bool {
	return oneOf(s, validIngestionJobStatuses)
}

// IsTerminal reports whether the job has stopped moving.
func (s IngestionJobStatus) IsTerminal() bool {
	return s == IngestionJobComplete || s == IngestionJobFailed
}

// Next returns the stage that follows s, or false when s has no successor.
func (s IngestionJobStatus) Next() (IngestionJobStatus, bool) {
	for i, candidate := range ingestionStageOrder {
		if candidate == s && i+1 < len(ingestionStageOrder) {
			return ingestionStageOrder[i+1], true
		}
	}
	return "", false
}

// CanTransitionTo allows exactly one step forward, or FAILED from any
// non-terminal stage.
func (s IngestionJobStatus) CanTransitionTo(to IngestionJobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if to == IngestionJobFailed {
		return true
	}
	next, ok := s.Next()
	return ok && next == to
}

// ParseIngestionJobStatus converts raw input into IngestionJobStatus.
func ParseIngestionJobStatus(value string) (IngestionJobStatus, error) {
	return parse("ingestion job status", value, validIngestionJobStatuses)
}
