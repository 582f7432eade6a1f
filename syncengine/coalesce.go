// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncengine implements the client-side Push Engine, Pull Engine,
// and Sync Orchestrator (spec §4.3, §4.4, §4.6): draining and coalescing
// the outbox, applying and rebasing incoming server operations, and
// serializing the two against a timer/SSE-driven schedule. It plays the
// role the teacher's oversqlite.Client plays for its generic multi-table
// domain, narrowed to the fixed Order/OrderLine entity set.
package syncengine

import (
	"sort"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/localstore"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// coalesceResult is the output of reducing one entity's pending op group to
// the minimal equivalent sequence (spec §4.3 step 2).
type coalesceResult struct {
	send   *localstore.OutboxRecord // nil if the group cancelled out entirely
	remove []string                 // outbox ids vacuously satisfied, mark synced without a network round-trip
}

// coalesce groups pending by (entity_type, entity_id) preserving intra-group
// sequence order, then reduces each group per the rules of spec §4.3 step 2.
// Group order in the returned slice follows the lowest sequence_number seen
// in each group, so coalescing never reorders operations across entities.
func coalesce(pending []localstore.OutboxRecord) []coalesceResult {
	type key struct {
		entityType domain.EntityType
		entityID   string
	}
	groups := make(map[key][]localstore.OutboxRecord)
	var order []key

	for _, op := range pending {
		k := key{op.EntityType, op.EntityID}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], op)
	}

	results := make([]coalesceResult, 0, len(order))
	for _, k := range order {
		ops := groups[k]
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].SequenceNumber < ops[j].SequenceNumber })
		results = append(results, coalesceGroup(ops))
	}
	return results
}

func coalesceGroup(ops []localstore.OutboxRecord) coalesceResult {
	var create *localstore.OutboxRecord
	var del *localstore.OutboxRecord
	var updates []localstore.OutboxRecord

	for i := range ops {
		switch ops[i].OpType {
		case syncwire.OpCreate:
			create = &ops[i]
		case syncwire.OpDelete:
			del = &ops[i]
		case syncwire.OpUpdate:
			updates = append(updates, ops[i])
		}
	}

	ids := func(rs ...localstore.OutboxRecord) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.ID
		}
		return out
	}

	switch {
	case create != nil && del != nil:
		// CREATE ... DELETE: the whole group cancels, nothing to send.
		remove := append([]string{create.ID}, ids(updates...)...)
		remove = append(remove, del.ID)
		return coalesceResult{send: nil, remove: remove}

	case create != nil:
		// CREATE followed by any number of UPDATEs: one CREATE whose data is
		// merged field by field, last-writer-wins, UPDATE version fields stripped.
		merged := create.Data.Clone()
		last := *create
		for _, u := range updates {
			patch := u.Data.Clone()
			delete(patch, "version")
			merged = merged.Merge(patch)
			last = u
		}
		result := *create
		result.Data = merged
		result.Timestamp = last.Timestamp
		return coalesceResult{send: &result, remove: ids(updates...)}

	case del != nil:
		// UPDATE(s) ... DELETE: discard the UPDATEs, send only the DELETE
		// unchanged (its own expected_version is preserved, per the open
		// question resolution in SPEC_FULL/DESIGN).
		return coalesceResult{send: del, remove: ids(updates...)}

	case len(updates) > 0:
		// UPDATE ... UPDATE, no terminal DELETE: one UPDATE merging fields in
		// order, keeping the FIRST update's version field.
		first := updates[0]
		merged := first.Data.Clone()
		last := first
		for _, u := range updates[1:] {
			patch := u.Data.Clone()
			version := merged["version"]
			merged = merged.Merge(patch)
			merged["version"] = version
			last = u
		}
		result := first
		result.Data = merged
		result.Timestamp = last.Timestamp
		return coalesceResult{send: &result, remove: ids(updates[1:]...)}

	default:
		return coalesceResult{}
	}
}
