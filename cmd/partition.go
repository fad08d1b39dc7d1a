package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnpartitionable is returned for timestamp values no partition can be derived from
var ErrUnpartitionable = errors.New("value has no partition")

// PartitionID is the calendar year a row belongs to
type PartitionID int

func (p PartitionID) String() string {
	return fmt.Sprintf("%04d", int(p))
}

// Row holds column values in header order
type Row []interface{}

// Batch is one page of rows, ascending by timestamp then primary key
type Batch []Row

// PartitionSlice is the leading run of a batch that shares one partition
type PartitionSlice struct {
	Partition PartitionID
	Rows      []Row
}

// PartitionOf returns the year of a timestamp in its own zone. Strings and
// byte slices must start with a four digit year.
func PartitionOf(value interface{}) (PartitionID, error) {
	switch v := value.(type) {
	case time.Time:
		return PartitionID(v.Year()), nil
	case *time.Time:
		if v == nil {
			return 0, fmt.Errorf("%w: NULL", ErrUnpartitionable)
		}
		return PartitionID(v.Year()), nil
	case string:
		return partitionOfText(v)
	case []byte:
		return partitionOfText(string(v))
	case nil:
		return 0, fmt.Errorf("%w: NULL", ErrUnpartitionable)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrUnpartitionable, value)
	}
}

func partitionOfText(s string) (PartitionID, error) {
	if len(s) < 4 {
		return 0, fmt.Errorf("%w: %q", ErrUnpartitionable, s)
	}
	for _, r := range s[:4] {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrUnpartitionable, s)
		}
	}
	year, _ := strconv.Atoi(s[:4])
	return PartitionID(year), nil
}

// SplitLeadingPartition takes the rows at the front of batch that share the
// first row's partition. remainder is the number of rows left behind, which
// the next fetch returns again because they are still in the source.
func SplitLeadingPartition(batch Batch, tsIndex int) (slice PartitionSlice, remainder int, err error) {
	if len(batch) == 0 {
		return PartitionSlice{}, 0, nil
	}

	first, err := partitionAt(batch[0], tsIndex)
	if err != nil {
		return PartitionSlice{}, 0, err
	}

	end := 1
	for ; end < len(batch); end++ {
		p, err := partitionAt(batch[end], tsIndex)
		if err != nil {
			return PartitionSlice{}, 0, err
		}
		if p != first {
			break
		}
	}

	return PartitionSlice{Partition: first, Rows: batch[:end]}, len(batch) - end, nil
}

func partitionAt(row Row, tsIndex int) (PartitionID, error) {
	if tsIndex < 0 || tsIndex >= len(row) {
		return 0, fmt.Errorf("%w: timestamp column %d out of range for row of %d values", ErrUnpartitionable, tsIndex, len(row))
	}
	return PartitionOf(row[tsIndex])
}

// IDs returns the primary key values of the slice in row order
func (s PartitionSlice) IDs(pkIndex int) []interface{} {
	ids := make([]interface{}, len(s.Rows))
	for i, row := range s.Rows {
		ids[i] = row[pkIndex]
	}
	return ids
}
