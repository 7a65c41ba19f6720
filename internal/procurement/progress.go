package procurement

import "time"

// RunProgress is a point-in-time snapshot of a collection run.
type RunProgress struct {
	RunID        string     `json:"run_id"`
	Running      bool       `json:"running"`
	Trigger      string     `json:"trigger,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	RegionsTotal int        `json:"regions_total"`
	RegionsDone  int        `json:"regions_done"`
	PagesFetched int        `json:"pages_fetched"`
	Scanned      int        `json:"scanned"`
	Relevant     int        `json:"relevant"`
	Created      int        `json:"created"`
	Rejected     int        `json:"rejected"`
	RegionErrors int        `json:"region_errors"`
	StoreErrors  int        `json:"store_errors"`
	Status       RunStatus  `json:"status,omitempty"`
}
