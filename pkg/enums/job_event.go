package enums

// JobKind identifies which job family an event belongs to.
type JobKind string

const (
	JobKindIngestion  JobKind = "ingestion"
	JobKindEnrichment JobKind = "enrichment"
)

var validJobKinds = []JobKind{JobKindIngestion, JobKindEnrichment}

func (k JobKind) IsValid() bool {
	return oneOf(k, validJobKinds)
}

// JobEventType is the kind of entry in a job timeline.
type JobEventType string

const (
	JobEventQueued   JobEventType = "queued"
	JobEventStarted  JobEventType = "started"
	JobEventRefunded JobEventType = "refunded"
	JobEventDone     JobEventType = "done"
)

var validJobEventTypes = []JobEventType{
	JobEventQueued,
	JobEventStarted,
	JobEventRefunded,
	JobEventDone,
}

func (t JobEventType) IsValid() bool {
	return oneOf(t, validJobEventTypes)
}

// ParseJobEventType converts raw input into JobEventType.
func ParseJobEventType(value string) (JobEventType, error) {
	return parse("job event type", value, validJobEventTypes)
}
