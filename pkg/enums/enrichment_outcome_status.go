package enums

// EnrichmentOutcomeStatus classifies a single vendor lookup.
type EnrichmentOutcomeStatus string

const (
	EnrichmentSuccess     EnrichmentOutcomeStatus = "success"
	EnrichmentNoMatch     EnrichmentOutcomeStatus = "no_match"
	EnrichmentVendorError EnrichmentOutcomeStatus = "vendor_error"
	EnrichmentTimeout     EnrichmentOutcomeStatus = "timeout"
	EnrichmentCanceled    EnrichmentOutcomeStatus = "canceled"
)

var validEnrichmentOutcomeStatuses = []EnrichmentOutcomeStatus{
	EnrichmentSuccess,
	EnrichmentNoMatch,
	EnrichmentVendorError,
	EnrichmentTimeout,
	EnrichmentCanceled,
}

// IsValid reports whether the value matches a known outcome.
func (s EnrichmentOutcomeStatus) IsValid() bool {
	return oneOf(s, validEnrichmentOutcomeStatuses)
}

// Refundable reports whether the charged credit goes back to the user.
func (s EnrichmentOutcomeStatus) Refundable() bool {
	return s.IsValid() && s != EnrichmentSuccess
}

// ParseEnrichmentOutcomeStatus converts raw input into EnrichmentOutcomeStatus.
func ParseEnrichmentOutcomeStatus(value string) (EnrichmentOutcomeStatus, error) {
	return parse("enrichment outcome status", value, validEnrichmentOutcomeStatuses)
}
