package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexus-streaming/nexus"
	bolt "go.etcd.io/bbolt"
)

var (
	topicsBucket     = []byte("topics")
	partitionsBucket = []byte("partitions")
)

// metaStore persists topic definitions and partition replica sets.
type metaStore struct {
	db *bolt.DB
}

func openMetaStore(path string) (*metaStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(topicsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(partitionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &metaStore{db: db}, nil
}

func (s *metaStore) Close() error { return s.db.Close() }

// createTopic stores the topic and its partition records in one transaction.
// It fails with a duplicate topic error if the name is taken.
func (s *metaStore) createTopic(t *nexus.Topic, parts []*nexus.Partition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(topicsBucket)
		if b.Get([]byte(t.Name)) != nil {
			return nexus.NewDuplicateTopicError(t.Name)
		}
		v, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(t.Name), v); err != nil {
			return err
		}
		for _, p := range parts {
			if err := putPartition(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *metaStore) putPartition(p *nexus.Partition) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putPartition(tx, p) })
}

func putPartition(tx *bolt.Tx, p *nexus.Partition) error {
	v, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return tx.Bucket(partitionsBucket).Put([]byte(p.Group()), v)
}

// load reads every topic and partition record.
func (s *metaStore) load() ([]*nexus.Topic, []*nexus.Partition, error) {
	var topics []*nexus.Topic
	var parts []*nexus.Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(topicsBucket).ForEach(func(k, v []byte) error {
			t := &nexus.Topic{}
			if err := json.Unmarshal(v, t); err != nil {
				return fmt.Errorf("decode topic %q: %w", k, err)
			}
			topics = append(topics, t)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(partitionsBucket).ForEach(func(k, v []byte) error {
			p := &nexus.Partition{}
			if err := json.Unmarshal(v, p); err != nil {
				return fmt.Errorf("decode partition %q: %w", k, err)
			}
			parts = append(parts, p)
			return nil
		})
	})
	return topics, parts, err
}
