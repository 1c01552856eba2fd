package broker

import "errors"

var (
	// ErrPathRequired is returned when opening a broker without a path.
	ErrPathRequired = errors.New("broker: path required")

	// ErrClosed is returned when operating on a closed broker.
	ErrClosed = errors.New("broker: closed")

	// ErrPartitionerRequired is returned when the config has no partitioner.
	ErrPartitionerRequired = errors.New("broker: partitioner required")

	// ErrNodeIDRequired is returned when the config has no node id.
	ErrNodeIDRequired = errors.New("broker: node id required")

	// ErrPartitionLogRequired is returned when the config cannot create
	// partition logs.
	ErrPartitionLogRequired = errors.New("broker: partition log factory required")
)
