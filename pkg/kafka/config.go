package pkgkafka

import (
	"time"
)

type KafkaConfig struct {
	Host                     string        `mapstructure:"brokers"`
	ConsumerGroup            string        `mapstructure:"consumer_group"`
	ParititionAssignStrategy string        `mapstructure:"assign_strategy"`
	NumPartitions            int           `mapstructure:"partitions"`
	ReplicationFactor        int           `mapstructure:"replication_factor"`
	MsgEncoderType           KafkaEncoder  `mapstructure:"encoder"`
	CommitInterval           time.Duration `mapstructure:"commit_interval"`
	HandlerBackoff           time.Duration `mapstructure:"handler_backoff"`
	HandlerMaxBackoff        time.Duration `mapstructure:"handler_max_backoff"`
	HandlerStallAfter        int           `mapstructure:"handler_stall_after"`
	WorkerBuffer             int           `mapstructure:"worker_buffer"`
}

func NewKafkaConfig(consumerGroup string) *KafkaConfig {
	return &KafkaConfig{
		Host:                     "localhost",
		ConsumerGroup:            consumerGroup,
		ParititionAssignStrategy: "cooperative-sticky",
		NumPartitions:            4,
		ReplicationFactor:        1,
		MsgEncoderType:           KafkaEncoder_JSON,
		CommitInterval:           5 * time.Second,
		HandlerBackoff:           200 * time.Millisecond,
		HandlerMaxBackoff:        10 * time.Second,
		HandlerStallAfter:        5,
		WorkerBuffer:             256,
	}
}

func (cfg *KafkaConfig) isCooperative() bool {
	return cfg.ParititionAssignStrategy == "cooperative-sticky"
}
