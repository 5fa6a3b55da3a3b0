package types

import "time"

// InstanceStatus is the lifecycle state of an instance view.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCollapsed InstanceStatus = "collapsed"
)

// InstanceView is an ephemeral, read-sharing borrow of a subset of nodes
// granted to a transient consumer. Spawning does not copy or lock the
// underlying nodes; on collapse the produced result is ingested as a new
// node whose dependencies include every borrowed node ID.
type InstanceView struct {
	ID          string         `json:"instance_id"` // Format: inst_<hex>
	BlueprintID string         `json:"blueprint_id"`
	NodeIDs     []string       `json:"node_ids"`
	Created     time.Time      `json:"created"`
	Status      InstanceStatus `json:"status"`
}
