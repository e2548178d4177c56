package scrape

// Stats holds the counters of one job attempt.
type Stats struct {
	Scraped       int `json:"scraped"`        // rows extracted from the report
	Inserted      int `json:"inserted"`       // new transactions
	Updated       int `json:"updated"`        // re-scraped transactions refreshed
	Skipped       int `json:"skipped"`        // rows dropped by parse failures
	Unmapped      int `json:"unmapped"`       // category labels with no canonical id
	LedgerCreated int `json:"ledger_created"` // ledger entries created by fan-out
	Duration      int `json:"duration"`       // seconds
}

// BatchStatus summarizes one batch invocation for the status endpoint.
type BatchStatus struct {
	Running   bool   `json:"running"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	StartedAt string `json:"started_at,omitempty"`
	EndedAt   string `json:"ended_at,omitempty"`
}
