package event

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

const defaultPartitions = 8

// Log is the in-process implementation of the event log. It keeps an
// append-only record slice per partition and committed offsets per
// (group, partition). Offsets are 1-based; committed 0 means "nothing yet".
type Log struct {
	mu         sync.Mutex
	partitions []*logPartition
	committed  map[groupPartition]int64
}

type groupPartition struct {
	group     string
	partition int
}

type logPartition struct {
	records []Record
	changed chan struct{}
}

var (
	_ Publisher = (*Log)(nil)
	_ Source    = (*Log)(nil)
)

// NewLog creates a log with the given partition count (default 8).
func NewLog(partitions int) *Log {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	l := &Log{
		partitions: make([]*logPartition, partitions),
		committed:  make(map[groupPartition]int64),
	}
	for i := range l.partitions {
		l.partitions[i] = &logPartition{changed: make(chan struct{})}
	}
	return l
}

// Partitions returns the partition count.
func (l *Log) Partitions(ctx context.Context) (int, error) {
	return len(l.partitions), nil
}

// PartitionFor maps a partition key to its partition index.
func (l *Log) PartitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.partitions)))
}

// Publish appends the event to the partition selected by its key and wakes
// blocked consumers.
func (l *Log) Publish(ctx context.Context, evt Event) error {
	if evt.Key == "" {
		return fmt.Errorf("event key is required")
	}
	idx := l.PartitionFor(evt.Key)

	l.mu.Lock()
	p := l.partitions[idx]
	offset := int64(len(p.records)) + 1
	p.records = append(p.records, Record{Partition: idx, Offset: offset, Event: evt})
	close(p.changed)
	p.changed = make(chan struct{})
	l.mu.Unlock()
	return nil
}

// Poll returns the earliest record past the group's committed offset,
// blocking until one is appended or the context ends.
func (l *Log) Poll(ctx context.Context, group string, partition int) (Record, error) {
	if partition < 0 || partition >= len(l.partitions) {
		return Record{}, fmt.Errorf("partition %d out of range", partition)
	}
	key := groupPartition{group: group, partition: partition}
	for {
		l.mu.Lock()
		p := l.partitions[partition]
		committed := l.committed[key]
		if committed < int64(len(p.records)) {
			rec := p.records[committed]
			l.mu.Unlock()
			return rec, nil
		}
		changed := p.changed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-changed:
		}
	}
}

// Commit advances the group's offset for a partition. Commits never move
// backwards, so a late commit after redelivery is harmless.
func (l *Log) Commit(ctx context.Context, group string, partition int, offset int64) error {
	if partition < 0 || partition >= len(l.partitions) {
		return fmt.Errorf("partition %d out of range", partition)
	}
	key := groupPartition{group: group, partition: partition}
	l.mu.Lock()
	if offset > l.committed[key] {
		l.committed[key] = offset
	}
	l.mu.Unlock()
	return nil
}

// Committed reports the committed offset for a group and partition.
func (l *Log) Committed(group string, partition int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed[groupPartition{group: group, partition: partition}]
}
