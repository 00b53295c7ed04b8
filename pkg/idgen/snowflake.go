package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// Business numbers
// ============================================================================
//
// Job and transaction numbers are a prefix, the UTC second, and the low
// digits of a snowflake id:
//
//   JOB20250115143052_12345678
//
// The snowflake node id must be unique per running process (0-1023).
//
// ============================================================================

// 2024-01-01 00:00:00 UTC
const epochMillis = int64(1704067200000)

var (
	node *snowflake.Node
	mu   sync.Mutex
)

// Init sets up the process-wide generator. Calling it again replaces the node.
func Init(nodeID int64) error {
	mu.Lock()
	defer mu.Unlock()

	snowflake.Epoch = epochMillis
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("init snowflake node %d: %w", nodeID, err)
	}
	node = n
	return nil
}

// NextID returns the next snowflake id, initialising node 1 on first use.
func NextID() int64 {
	mu.Lock()
	if node == nil {
		snowflake.Epoch = epochMillis
		node, _ = snowflake.NewNode(1)
	}
	n := node
	mu.Unlock()
	return n.Generate().Int64()
}

func format(prefix string) string {
	id := NextID()
	return fmt.Sprintf("%s%s_%08d", prefix, time.Now().UTC().Format("20060102150405"), id%100000000)
}

// GenerateJobNo returns a generation job number.
func GenerateJobNo() string {
	return format("JOB")
}

// GenerateTransactionNo returns a ledger transaction number.
func GenerateTransactionNo() string {
	return format("TXN")
}

// GenerateMessageKey returns a key for outbox messages that have no natural key.
func GenerateMessageKey() string {
	return format("MSG")
}
