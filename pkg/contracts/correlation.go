package contracts

import "time"

// Correlation maps an external (siteId, correlationKey) pair to a job.
// Re-upserting the same jobId refreshes the expiry; a different jobId is a
// conflict unless forced.
type Correlation struct {
	TenantID       string     `json:"tenantId"`
	SiteID         string     `json:"siteId"`
	CorrelationKey string     `json:"correlationKey"`
	JobID          string     `json:"jobId"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// IngestRecord dedupes externally-sourced events by
// (tenant, source, externalEventId).
type IngestRecord struct {
	TenantID        string     `json:"tenantId"`
	Source          string     `json:"source"`
	ExternalEventID string     `json:"externalEventId"`
	Status          string     `json:"status"`
	AcceptedEventID string     `json:"acceptedEventId,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}
