package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// NodeType is the role a node record declares.
type NodeType string

const (
	NodePrimary NodeType = "primary"
	NodeStandby NodeType = "standby"
	NodeWitness NodeType = "witness"
	NodeUnknown NodeType = "unknown"
)

// ParseNodeType maps a catalog value onto a NodeType, defaulting to unknown.
func ParseNodeType(s string) NodeType {
	switch NodeType(s) {
	case NodePrimary, NodeStandby, NodeWitness:
		return NodeType(s)
	default:
		return NodeUnknown
	}
}

// UnknownNodeID is the sentinel for "no node" in optional references.
const UnknownNodeID = 0

// NodeRecord is the authoritative row in repmgr.nodes.
type NodeRecord struct {
	NodeID         int
	Type           NodeType
	UpstreamNodeID int // UnknownNodeID when absent
	NodeName       string
	Conninfo       string
	ReplUser       string
	SlotName       string
	Location       string
	Priority       int
	Active         bool
	ConfigFile     string
	VirtualIP      string
	NetworkCard    string
}

// SlotNameForNode is the deterministic encoding of a node id into a
// physical replication slot name.
func SlotNameForNode(nodeID int) string {
	return fmt.Sprintf("repmgr_slot_%d", nodeID)
}

const nodeColumns = `node_id, type, COALESCE(upstream_node_id, 0), node_name, conninfo,
       repluser, COALESCE(slot_name, ''), location, priority, active, config_file,
       COALESCE(virtual_ip, ''), COALESCE(network_card, '')`

func scanNodeRecord(row pgx.Row) (NodeRecord, error) {
	var r NodeRecord
	var typ string
	err := row.Scan(&r.NodeID, &typ, &r.UpstreamNodeID, &r.NodeName, &r.Conninfo,
		&r.ReplUser, &r.SlotName, &r.Location, &r.Priority, &r.Active, &r.ConfigFile,
		&r.VirtualIP, &r.NetworkCard)
	if err != nil {
		return NodeRecord{}, err
	}
	r.Type = ParseNodeType(typ)
	return r, nil
}

// GetNodeRecord fetches one row by id.
func (q *Queries) GetNodeRecord(ctx context.Context, nodeID int) (NodeRecord, Status, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM repmgr.nodes WHERE node_id = $1`, nodeID)

	r, err := scanNodeRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return NodeRecord{}, StatusNotFound, nil
	}
	if err != nil {
		return NodeRecord{}, StatusError, fmt.Errorf("fetch node %d: %w", nodeID, err)
	}
	return r, StatusFound, nil
}

// GetNodeRecordByName fetches one row by its unique name.
func (q *Queries) GetNodeRecordByName(ctx context.Context, name string) (NodeRecord, Status, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM repmgr.nodes WHERE node_name = $1`, name)

	r, err := scanNodeRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return NodeRecord{}, StatusNotFound, nil
	}
	if err != nil {
		return NodeRecord{}, StatusError, fmt.Errorf("fetch node %q: %w", name, err)
	}
	return r, StatusFound, nil
}

func (q *Queries) queryNodeRecords(ctx context.Context, sql string, args ...any) ([]NodeRecord, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		r, err := scanNodeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAllNodeRecords returns every row ordered by node id.
func (q *Queries) GetAllNodeRecords(ctx context.Context) ([]NodeRecord, error) {
	return q.queryNodeRecords(ctx,
		`SELECT `+nodeColumns+` FROM repmgr.nodes ORDER BY node_id`)
}

// GetDownstreamNodeRecords returns the nodes attached below upstreamID.
func (q *Queries) GetDownstreamNodeRecords(ctx context.Context, upstreamID int) ([]NodeRecord, error) {
	return q.queryNodeRecords(ctx,
		`SELECT `+nodeColumns+` FROM repmgr.nodes
		  WHERE upstream_node_id = $1 ORDER BY node_id`, upstreamID)
}

// GetActiveSiblingNodeRecords returns the active nodes sharing an upstream,
// excluding the caller.
func (q *Queries) GetActiveSiblingNodeRecords(ctx context.Context, selfID, upstreamID int) ([]NodeRecord, error) {
	return q.queryNodeRecords(ctx,
		`SELECT `+nodeColumns+` FROM repmgr.nodes
		  WHERE upstream_node_id = $1 AND node_id != $2 AND active = TRUE
		  ORDER BY node_id`, upstreamID, selfID)
}

// GetPrimaryNodeRecord returns the active primary row, if any.
func (q *Queries) GetPrimaryNodeRecord(ctx context.Context) (NodeRecord, Status, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM repmgr.nodes
		  WHERE type = 'primary' AND active = TRUE`)

	r, err := scanNodeRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return NodeRecord{}, StatusNotFound, nil
	}
	if err != nil {
		return NodeRecord{}, StatusError, fmt.Errorf("fetch primary: %w", err)
	}
	return r, StatusFound, nil
}

// upsertNodeValues is shared by create and update so the two can never drift.
const upsertNodeValues = `$1, $2, NULLIF($3, 0), $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, '')`

func nodeArgs(r NodeRecord) []any {
	return []any{r.NodeID, string(r.Type), r.UpstreamNodeID, r.NodeName, r.Conninfo,
		r.ReplUser, r.SlotName, r.Location, r.Priority, r.Active, r.ConfigFile,
		r.VirtualIP, r.NetworkCard}
}

func validateNodeRecord(r NodeRecord) error {
	if r.UpstreamNodeID == r.NodeID && r.NodeID != UnknownNodeID {
		return fmt.Errorf("node %d cannot be its own upstream", r.NodeID)
	}
	if r.Type == NodeStandby && r.UpstreamNodeID == UnknownNodeID {
		return fmt.Errorf("standby %d requires an upstream node", r.NodeID)
	}
	if r.Type == NodePrimary && r.UpstreamNodeID != UnknownNodeID {
		return fmt.Errorf("primary %d cannot have an upstream node", r.NodeID)
	}
	return nil
}

// CreateNodeRecord inserts a new row.
func (q *Queries) CreateNodeRecord(ctx context.Context, r NodeRecord) error {
	if err := validateNodeRecord(r); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO repmgr.nodes (node_id, type, upstream_node_id, node_name, conninfo,
		        repluser, slot_name, location, priority, active, config_file,
		        virtual_ip, network_card)
		 VALUES (`+upsertNodeValues+`)`, nodeArgs(r)...)
	if err != nil {
		return fmt.Errorf("create node %d: %w", r.NodeID, err)
	}
	return nil
}

// UpdateNodeRecord rewrites the row identified by r.NodeID.
func (q *Queries) UpdateNodeRecord(ctx context.Context, r NodeRecord) error {
	if err := validateNodeRecord(r); err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE repmgr.nodes
		    SET (node_id, type, upstream_node_id, node_name, conninfo,
		         repluser, slot_name, location, priority, active, config_file,
		         virtual_ip, network_card)
		      = (`+upsertNodeValues+`)
		  WHERE node_id = $1`, nodeArgs(r)...)
	if err != nil {
		return fmt.Errorf("update node %d: %w", r.NodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update node %d: no such node", r.NodeID)
	}
	return nil
}

// DeleteNodeRecord removes the row.
func (q *Queries) DeleteNodeRecord(ctx context.Context, nodeID int) error {
	_, err := q.db.Exec(ctx, `DELETE FROM repmgr.nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node %d: %w", nodeID, err)
	}
	return nil
}

// UpdateNodeRecordSetActive flips the active flag.
func (q *Queries) UpdateNodeRecordSetActive(ctx context.Context, nodeID int, active bool) error {
	_, err := q.db.Exec(ctx,
		`UPDATE repmgr.nodes SET active = $2 WHERE node_id = $1`, nodeID, active)
	if err != nil {
		return fmt.Errorf("set node %d active=%v: %w", nodeID, active, err)
	}
	return nil
}

// UpdateNodeRecordSetUpstream re-points a node at a new upstream.
func (q *Queries) UpdateNodeRecordSetUpstream(ctx context.Context, nodeID, upstreamID int) error {
	if nodeID == upstreamID {
		return fmt.Errorf("node %d cannot be its own upstream", nodeID)
	}
	_, err := q.db.Exec(ctx,
		`UPDATE repmgr.nodes SET upstream_node_id = NULLIF($2, 0) WHERE node_id = $1`,
		nodeID, upstreamID)
	if err != nil {
		return fmt.Errorf("set node %d upstream=%d: %w", nodeID, upstreamID, err)
	}
	return nil
}

// UpdateNodeRecordSetPrimary marks nodeID as the single active primary. The
// demote-then-set pair runs in one transaction so no commit boundary ever
// exposes two active primaries.
func UpdateNodeRecordSetPrimary(ctx context.Context, db TxBeginner, nodeID int) error {
	return WithTx(ctx, db, func(q *Queries) error {
		if _, err := q.db.Exec(ctx,
			`UPDATE repmgr.nodes SET active = FALSE
			  WHERE type = 'primary' AND active = TRUE AND node_id != $1`, nodeID); err != nil {
			return fmt.Errorf("demote previous primary: %w", err)
		}
		if _, err := q.db.Exec(ctx,
			`UPDATE repmgr.nodes
			    SET type = 'primary', upstream_node_id = NULL, active = TRUE
			  WHERE node_id = $1`, nodeID); err != nil {
			return fmt.Errorf("set node %d primary: %w", nodeID, err)
		}
		return nil
	})
}

// WitnessCopyNodeRecords refreshes a witness's local copy of the nodes table
// from the primary, atomically on the witness side.
func WitnessCopyNodeRecords(ctx context.Context, primary *Queries, witness TxBeginner) error {
	records, err := primary.GetAllNodeRecords(ctx)
	if err != nil {
		return fmt.Errorf("read nodes from primary: %w", err)
	}

	return WithTx(ctx, witness, func(q *Queries) error {
		if _, err := q.db.Exec(ctx, `SET CONSTRAINTS ALL DEFERRED`); err != nil {
			return fmt.Errorf("defer constraints: %w", err)
		}
		if _, err := q.db.Exec(ctx, `TRUNCATE TABLE repmgr.nodes`); err != nil {
			return fmt.Errorf("truncate witness nodes: %w", err)
		}
		for _, r := range records {
			if _, err := q.db.Exec(ctx,
				`INSERT INTO repmgr.nodes (node_id, type, upstream_node_id, node_name, conninfo,
				        repluser, slot_name, location, priority, active, config_file,
				        virtual_ip, network_card)
				 VALUES (`+upsertNodeValues+`)`, nodeArgs(r)...); err != nil {
				return fmt.Errorf("copy node %d to witness: %w", r.NodeID, err)
			}
		}
		return nil
	})
}
