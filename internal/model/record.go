package model

// Record is one cached policy summary
// The JSON layout matches the summaries_db.json files written by earlier releases
type Record struct {
	ID            string   `json:"id"`                       // Opaque id, fixed at first insert
	URL           string   `json:"url"`                      // URL exactly as the caller supplied it
	NormalizedURL string   `json:"normalized_url,omitempty"` // Canonical form used for the url hash
	ShortSummary  string   `json:"short_summary"`            // Short summary (extension popup)
	FullSummary   string   `json:"full_summary"`             // Full summary (frontend)
	PolicyTypes   []string `json:"policy_types"`             // e.g. "privacy", "terms"
	Timestamp     string   `json:"timestamp"`                // RFC 3339 time of the last write
	CreatedAt     string   `json:"created_at"`               // Human-readable, written once
	UpdatedAt     string   `json:"updated_at,omitempty"`     // Human-readable, refreshed per write
	Version       int64    `json:"version,omitempty"`        // Write counter (0 for legacy records)
}

// Entry is the payload handed over by the summarization step
type Entry struct {
	URL          string
	ShortSummary string
	FullSummary  string
	PolicyTypes  []string
}

// HumanTimeLayout is the layout used for CreatedAt and UpdatedAt
const HumanTimeLayout = "2006-01-02 15:04:05"

// Stats describes the contents of a storage backend
type Stats struct {
	Backend      string `json:"backend" yaml:"backend"`
	Records      int    `json:"records" yaml:"records"`
	IndexEntries int    `json:"index_entries,omitempty" yaml:"index_entries,omitempty"` // FileStore only
	SizeBytes    int64  `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`       // FileStore only
	Location     string `json:"location" yaml:"location"`                               // File path or table name
	Status       string `json:"status,omitempty" yaml:"status,omitempty"`               // Table status (TableStore only)
	ExpiryDays   int    `json:"expiry_days" yaml:"expiry_days"`
}

// Clone returns a copy that shares no slices with r
func (r Record) Clone() Record {
	out := r
	out.PolicyTypes = append([]string{}, r.PolicyTypes...)
	return out
}
