package domain

import "fmt"

// Cursor tracks how far a partition has been processed.
// Valid is false before anything is known, meaning start-of-stream.
// Durable is true when Position is known to be stored in the checkpoint store.
type Cursor struct {
	Partition PartitionID `json:"partition"`
	Position  Position    `json:"position"`
	Valid     bool        `json:"valid"`
	Durable   bool        `json:"durable"`
}

// NewCursor returns a start-of-stream cursor for a partition
func NewCursor(partition PartitionID) Cursor {
	return Cursor{Partition: partition}
}

// ResumeCursor returns a cursor positioned after a durable checkpoint
func ResumeCursor(partition PartitionID, pos Position) Cursor {
	return Cursor{Partition: partition, Position: pos, Valid: true, Durable: true}
}

// Advance moves the cursor forward to pos. Moving backwards, or staying in
// place, is rejected: checkpoints form a strict order per partition.
func (c *Cursor) Advance(pos Position, durable bool) error {
	if c.Valid && pos <= c.Position {
		return fmt.Errorf("cursor for %s cannot move from %d to %d", c.Partition, c.Position, pos)
	}
	c.Position = pos
	c.Valid = true
	c.Durable = durable
	return nil
}

// Next returns the first position a fetch should return, given this cursor
func (c Cursor) Next() Position {
	if !c.Valid {
		return 0
	}
	return c.Position + 1
}

func (c Cursor) String() string {
	if !c.Valid {
		return fmt.Sprintf("%s@start", c.Partition)
	}
	return fmt.Sprintf("%s@%d", c.Partition, c.Position)
}
