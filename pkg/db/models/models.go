package models

// All lists every persisted model, in dependency order, for AutoMigrate on
// SQLite. Postgres schemas come from the goose migrations.
func All() []any {
	return []any{
		&IngestionJob{},
		&StagingRow{},
		&Property{},
		&Violation{},
		&EnrichmentRun{},
		&EnrichmentOutcome{},
		&CreditLedgerEntry{},
		&ConsentRecord{},
		&JobEvent{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
