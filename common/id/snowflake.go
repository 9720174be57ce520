package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the process-wide Snowflake node. Each process gets its
// own node ID (server=1, worker=2) so IDs never collide across instances.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a globally unique int64 ID. Snowflake IDs are time-ordered,
// which the supersession resolver relies on: a higher ID always belongs to
// a later trigger.
func New() int64 {
	return node.Generate().Int64()
}
