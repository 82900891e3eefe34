package pkgkafka

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
)

type MsgState = int32

const (
	MsgState_Pending MsgState = iota
	MsgState_Success
	MsgState_Error
)

var errNothingToCommit = errors.New("nothing to commit")

type CommitFunc func([]kafka.TopicPartition) ([]kafka.TopicPartition, error)

// PartitionState tracks every received offset of one partition until it is
// handled. The committed offset only advances over a contiguous run of handled
// offsets, so a crash never skips an unhandled message.
type PartitionState struct {
	ID           int32
	Topic        string
	State        map[kafka.Offset]MsgState
	MaxReceived  kafka.Offset
	Mu           *sync.RWMutex
	LastCommited kafka.Offset
	commitFunc   CommitFunc

	ctx    context.Context
	Cancel context.CancelFunc
	ExitCH chan struct{}
}

func NewPartitionState(tp kafka.TopicPartition, commitFunc CommitFunc) *PartitionState {
	ctx, cancel := context.WithCancel(context.Background())
	topic := ""
	if tp.Topic != nil {
		topic = *tp.Topic
	}
	lastCommited := tp.Offset
	if lastCommited < 0 {
		lastCommited = kafka.OffsetInvalid
	}
	return &PartitionState{
		ID:           tp.Partition,
		Topic:        topic,
		Mu:           new(sync.RWMutex),
		State:        map[kafka.Offset]MsgState{},
		MaxReceived:  kafka.OffsetInvalid,
		LastCommited: lastCommited,
		commitFunc:   commitFunc,

		ctx:    ctx,
		Cancel: cancel,
		ExitCH: make(chan struct{}),
	}
}

func (ps *PartitionState) Append(offset kafka.Offset) {
	ps.Mu.Lock()
	defer ps.Mu.Unlock()
	ps.State[offset] = MsgState_Pending
	if offset > ps.MaxReceived {
		ps.MaxReceived = offset
	}
}

func (ps *PartitionState) Update(offset kafka.Offset, newState MsgState) {
	ps.Mu.Lock()
	defer ps.Mu.Unlock()
	if _, ok := ps.State[offset]; !ok {
		return
	}
	ps.State[offset] = newState
}

func (ps *PartitionState) ReadOffset(offset kafka.Offset) (MsgState, bool) {
	ps.Mu.RLock()
	defer ps.Mu.RUnlock()

	state, exists := ps.State[offset]
	return state, exists
}

// FindLatestToCommit returns the offset to commit (the next one to consume) and
// forgets the handled offsets below it.
func (ps *PartitionState) FindLatestToCommit() (*kafka.TopicPartition, error) {
	ps.Mu.Lock()
	defer ps.Mu.Unlock()

	offsets := make([]kafka.Offset, 0, len(ps.State))
	for off := range ps.State {
		offsets = append(offsets, off)
	}
	slices.Sort(offsets)

	next := ps.LastCommited
	for _, off := range offsets {
		if ps.State[off] == MsgState_Pending {
			break
		}
		delete(ps.State, off)
		next = off + 1
	}

	if next == ps.LastCommited || next < 0 {
		return nil, errNothingToCommit
	}
	return &kafka.TopicPartition{
		Topic:     &ps.Topic,
		Partition: ps.ID,
		Offset:    next,
	}, nil
}

func (ps *PartitionState) commit() {
	latestToCommit, err := ps.FindLatestToCommit()
	if err != nil {
		return
	}
	if _, err := ps.commitFunc([]kafka.TopicPartition{*latestToCommit}); err != nil {
		logrus.WithFields(logrus.Fields{
			"OFFSET": latestToCommit.Offset,
			"PRTN":   ps.ID,
		}).Errorf("KAFKA:COMMIT_FAILED %v", err)
		return
	}

	ps.Mu.Lock()
	ps.LastCommited = latestToCommit.Offset
	pending := len(ps.State)
	ps.Mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"COMMITED_OFFSET": latestToCommit.Offset,
		"PRTN":            ps.ID,
		"PENDING":         pending,
	}).Debug("KAFKA:COMMITTED")
}

func (ps *PartitionState) commitOffsetLoop(commitDur time.Duration) {
	ticker := time.NewTicker(commitDur)
	defer func() {
		close(ps.ExitCH)
		ticker.Stop()
	}()
	for {
		select {
		case <-ticker.C:
			ps.commit()
		case <-ps.ctx.Done():
			return
		}
	}
}
