package enums

// LedgerReason explains why a credit ledger entry exists.
type LedgerReason string

const (
	LedgerReasonGrant            LedgerReason = "grant"
	LedgerReasonEnrichmentCharge LedgerReason = "enrichment_charge"
	LedgerReasonEnrichmentRefund LedgerReason = "enrichment_refund"
	LedgerReasonAdjustment       LedgerReason = "adjustment"
)

var validLedgerReasons = []LedgerReason{
	LedgerReasonGrant,
	LedgerReasonEnrichmentCharge,
	LedgerReasonEnrichmentRefund,
	LedgerReasonAdjustment,
}

// IsValid reports whether the value matches the canonical ledger reason enum.
func (r LedgerReason) IsValid() bool {
	return oneOf(r, validLedgerReasons)
}

// ParseLedgerReason converts raw input into LedgerReason.
func ParseLedgerReason(value string) (LedgerReason, error) {
	return parse("ledger reason", value, validLedgerReasons)
}
