package catalog

import "time"

/*
The catalog is a record of what has been archived.
The catalog is a primitive for verifying, inventorying and auditing
data operations.
*/

// Catalog describes one archive batch.
type Catalog struct {
	BatchID             string    `json:"batch_id"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	Source              string    `json:"source"`
	FirstTimestamp      uint64    `json:"first_timestamp"`
	LastTimestamp       uint64    `json:"last_timestamp"`
	NumSourceRecords    int       `json:"num_source_records"`
	NumRecordsProcessed int       `json:"num_records_processed"`
	Files               []string  `json:"files"`
	Completed           bool      `json:"completed"`
}
