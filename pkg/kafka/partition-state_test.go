package pkgkafka

import (
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(start kafka.Offset) (*PartitionState, *[]kafka.Offset) {
	topic := "orders.payment-requests"
	commits := &[]kafka.Offset{}
	ps := NewPartitionState(kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: start}, func(tps []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
		for _, tp := range tps {
			*commits = append(*commits, tp.Offset)
		}
		return tps, nil
	})
	return ps, commits
}

func TestFindLatestToCommitStopsAtPending(t *testing.T) {
	ps, _ := newTestState(10)
	for off := kafka.Offset(10); off < 15; off++ {
		ps.Append(off)
	}
	ps.Update(10, MsgState_Success)
	ps.Update(11, MsgState_Error)
	ps.Update(13, MsgState_Success)

	tp, err := ps.FindLatestToCommit()
	require.NoError(t, err)
	assert.Equal(t, kafka.Offset(12), tp.Offset)
	assert.Equal(t, int32(2), tp.Partition)

	_, ok := ps.ReadOffset(10)
	assert.False(t, ok)
	state, ok := ps.ReadOffset(13)
	assert.True(t, ok)
	assert.Equal(t, MsgState_Success, state)
}

func TestFindLatestToCommitSkipsGaps(t *testing.T) {
	ps, _ := newTestState(kafka.OffsetBeginning)
	ps.Append(3)
	ps.Append(7)
	ps.Update(3, MsgState_Success)
	ps.Update(7, MsgState_Success)

	tp, err := ps.FindLatestToCommit()
	require.NoError(t, err)
	assert.Equal(t, kafka.Offset(8), tp.Offset)
}

func TestFindLatestToCommitNothingHandled(t *testing.T) {
	ps, _ := newTestState(5)
	ps.Append(5)

	_, err := ps.FindLatestToCommit()
	assert.ErrorIs(t, err, errNothingToCommit)
}

func TestCommitAdvancesLastCommited(t *testing.T) {
	ps, commits := newTestState(0)
	ps.Append(0)
	ps.Append(1)
	ps.Update(0, MsgState_Success)

	ps.commit()
	ps.commit()
	assert.Equal(t, []kafka.Offset{1}, *commits)
	assert.Equal(t, kafka.Offset(1), ps.LastCommited)

	ps.Update(1, MsgState_Success)
	ps.commit()
	assert.Equal(t, []kafka.Offset{1, 2}, *commits)
}

func TestUpdateIgnoresUnknownOffsets(t *testing.T) {
	ps, _ := newTestState(0)
	ps.Update(42, MsgState_Success)

	_, ok := ps.ReadOffset(42)
	assert.False(t, ok)
}
