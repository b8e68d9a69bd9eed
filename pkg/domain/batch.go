package domain

import (
	"fmt"
	"time"
)

// Batch is a sealed, ordered group of records flushed together to a sink.
// Checkpoint is the position to commit once the batch has been emitted; it is
// never lower than the last record in Records and may be higher when records
// after it were filtered out or skipped.
type Batch struct {
	Partition     PartitionID `json:"partition"`
	Records       []Record    `json:"records"`
	FirstPosition Position    `json:"first_position"`
	Checkpoint    Position    `json:"checkpoint"`
	Bytes         int         `json:"bytes"`
	SealedAt      time.Time   `json:"sealed_at"`
}

// ID returns a deterministic identifier for the batch. Re-draining the same
// positions after a restart yields the same ID.
func (b Batch) ID() string {
	return fmt.Sprintf("%s-%020d-%020d", b.Partition, b.FirstPosition, b.Checkpoint)
}

// Len returns the number of records in the batch
func (b Batch) Len() int {
	return len(b.Records)
}

// IsCheckpointOnly is true for batches that carry progress but no records,
// which happens when every record in the window was filtered or skipped.
func (b Batch) IsCheckpointOnly() bool {
	return len(b.Records) == 0
}

// LastRecordPosition returns the position of the last record in the batch
func (b Batch) LastRecordPosition() (Position, bool) {
	if len(b.Records) == 0 {
		return 0, false
	}
	return b.Records[len(b.Records)-1].Position, true
}
