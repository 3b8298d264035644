package enums

// OutboxAggregateType maps to outbox_events.aggregate_type.
type OutboxAggregateType string

const (
	AggregateIngestionJob  OutboxAggregateType = "ingestion_job"
	AggregateEnrichmentRun OutboxAggregateType = "enrichment_run"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateIngestionJob,
	AggregateEnrichmentRun,
}

func (a OutboxAggregateType) IsValid() bool {
	return oneOf(a, validAggregateTypes)
}

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return parse("aggregate type", value, validAggregateTypes)
}

// OutboxEventType maps to outbox_events.event_type.
type OutboxEventType string

const (
	EventIngestionJobQueued OutboxEventType = "ingestion_job_queued"
	EventJobEventAppended   OutboxEventType = "job_event_appended"
)

var validOutboxEventTypes = []OutboxEventType{
	EventIngestionJobQueued,
	EventJobEventAppended,
}

func (e OutboxEventType) IsValid() bool {
	return oneOf(e, validOutboxEventTypes)
}

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return parse("event type", value, validOutboxEventTypes)
}
