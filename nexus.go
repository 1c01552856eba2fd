// Package nexus defines the domain types shared by the broker, the consensus
// engine and the storage layer of the event-streaming platform.
package nexus

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nexus-streaming/nexus/kit/platform/errors"
)

// MaxTopicNameLength is the longest topic name accepted by CreateTopic.
const MaxTopicNameLength = 249

var topicNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Node represents a single broker process in the cluster.
// The set of nodes is static for the lifetime of a process.
type Node struct {
	ID   uint64 `toml:"id" json:"id"`
	Addr string `toml:"addr" json:"addr"`
}

// Topic is a named stream split into a fixed number of partitions.
// It is created once and never resized.
type Topic struct {
	Name              string `json:"name"`
	Partitions        int32  `json:"partitions"`
	ReplicationFactor int32  `json:"replicationFactor"`
	RetentionMs       int64  `json:"retentionMs"`
}

// Valid returns an error if the topic definition cannot be created.
func (t *Topic) Valid() error {
	switch {
	case t.Name == "":
		return &errors.Error{Code: errors.EInvalid, Msg: "topic name required"}
	case len(t.Name) > MaxTopicNameLength:
		return &errors.Error{Code: errors.EInvalid, Msg: fmt.Sprintf("topic name longer than %d characters", MaxTopicNameLength)}
	case !topicNameRe.MatchString(t.Name):
		return &errors.Error{Code: errors.EInvalid, Msg: fmt.Sprintf("topic name %q contains invalid characters", t.Name)}
	case t.Partitions <= 0:
		return &errors.Error{Code: errors.EInvalid, Msg: "partition count must be positive"}
	case t.ReplicationFactor <= 0:
		return &errors.Error{Code: errors.EInvalid, Msg: "replication factor must be positive"}
	case t.RetentionMs < 0:
		return &errors.Error{Code: errors.EInvalid, Msg: "retention must not be negative"}
	}
	return nil
}

// Partition is one replicated log of a topic.
//
// Leader is a cache of the consensus engine's belief and is eventually
// consistent with it; zero means no leader is known.
type Partition struct {
	Topic    string   `json:"topic"`
	ID       int32    `json:"id"`
	Leader   uint64   `json:"leader,omitempty"`
	Replicas []uint64 `json:"replicas,omitempty"`
}

// Group returns the consensus group name of the partition.
func (p *Partition) Group() string { return GroupName(p.Topic, p.ID) }

// GroupName returns the consensus group name for a topic partition.
func GroupName(topic string, partition int32) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10)
}

// ParseGroupName splits a consensus group name into topic and partition.
func ParseGroupName(group string) (string, int32, error) {
	i := strings.LastIndexByte(group, '/')
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid group name: %q", group)
	}
	id, err := strconv.ParseInt(group[i+1:], 10, 32)
	if err != nil || id < 0 {
		return "", 0, fmt.Errorf("invalid group name: %q", group)
	}
	return group[:i], int32(id), nil
}

// HasReplica returns true if the node is part of the partition's replica set.
func (p *Partition) HasReplica(id uint64) bool {
	for _, r := range p.Replicas {
		if r == id {
			return true
		}
	}
	return false
}
