package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox/payloads"
)

func TestConsumerDecoders(t *testing.T) {
	set := ConsumerDecoders()

	jobID := uuid.New()
	input := json.RawMessage(`{"job_id":"` + jobID.String() + `","source_handle":"uploads/a.csv"}`)
	output, err := set.Decode(enums.EventIngestionJobQueued, 1, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, ok := output.(*payloads.IngestionJobQueuedEvent)
	if !ok || decoded.JobID != jobID || decoded.SourceHandle != "uploads/a.csv" {
		t.Fatalf("unexpected output %+v", output)
	}

	var nonRetry NonRetryableError
	if _, err := set.Decode(enums.EventIngestionJobQueued, 2, input); !errors.As(err, &nonRetry) {
		t.Fatalf("unknown version should be non-retryable, got %v", err)
	}
	if _, err := set.Decode(enums.EventJobEventAppended, 1, json.RawMessage(`[]`)); !errors.As(err, &nonRetry) {
		t.Fatalf("bad data should be non-retryable, got %v", err)
	}
}

func TestNewDecoderSetRejectsDuplicates(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate decoder")
		}
	}()
	NewDecoderSet(
		Decodes[payloads.IngestionJobQueuedEvent](enums.EventIngestionJobQueued, 1),
		Decodes[payloads.IngestionJobQueuedEvent](enums.EventIngestionJobQueued, 1),
	)
}
