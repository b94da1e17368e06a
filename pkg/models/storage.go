package models

// StorageClass is a provisionable kind of volume storage.
type StorageClass struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Provider    string `json:"storage_provider"`
}

// CategoryReservation is a cluster-resource reservation made outside any
// workflow, keyed by resource id and expired by ttl.
type CategoryReservation struct {
	ResourceID string   `json:"resource_id"`
	Category   string   `json:"category"`
	Resource   Resource `json:"resource"`
	TTLMS      int64    `json:"ttl_ms"`
	Detail     string   `json:"detail,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// Expired reports whether the reservation's ttl has passed at now (millis).
func (r *CategoryReservation) Expired(now int64) bool {
	return r.TTLMS > 0 && r.Timestamp+r.TTLMS < now
}
