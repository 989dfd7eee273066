package domain

import "time"

// QueueSnapshot holds aggregate enrichment counts as reported by the server.
// Values are displayed as-is; Total is not checked against the sum.
type QueueSnapshot struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Outstanding returns the number of items still waiting or in progress.
func (s QueueSnapshot) Outstanding() int {
	return s.Pending + s.Processing
}

// ETA estimates the time to drain outstanding items at the given throughput.
// Returns zero when nothing is outstanding or throughput is unknown.
func (s QueueSnapshot) ETA(perMinute float64) time.Duration {
	if perMinute <= 0 || s.Outstanding() == 0 {
		return 0
	}
	minutes := float64(s.Outstanding()) / perMinute
	return time.Duration(minutes * float64(time.Minute)).Round(time.Second)
}

// FailedItem is one enrichment unit that terminated in failure.
type FailedItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Website   string    `json:"website,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// IDs returns the ids of items in order.
func IDs(items []FailedItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
