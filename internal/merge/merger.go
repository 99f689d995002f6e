// Package merge implements the delta merger (C5): a per-field three-way
// merge between a local and a remote record, with four pluggable
// strategies. See spec.md section 4.5.
package merge

import (
	"encoding/json"
	"time"

	"github.com/estuary/tasksync/internal/model"
	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Strategy selects how a concurrent field conflict is resolved.
type Strategy string

const (
	// ServerAuthoritative: remote always wins, including deletions. This is
	// the spec's default strategy.
	ServerAuthoritative Strategy = "server_authoritative"
	// LastWriteWins: the record with the newer updated_at wins; ties fall
	// back to ActorRank.
	LastWriteWins Strategy = "last_write_wins"
	// ActorRank: the higher-ranked actor (model.ActorRank) wins.
	ActorRank Strategy = "actor_rank"
	// FieldMerge: arrays are union-merged (dedupe primitives; dedupe
	// objects by id). This is always used for labels/assignees regardless
	// of the record-level strategy.
	FieldMerge Strategy = "field_merge"
)

// FieldResolution records how a single field was resolved, for logging and
// for surfacing conflicts to the caller.
type FieldResolution struct {
	Field    string   `json:"field"`
	Strategy Strategy `json:"strategy"`
	Local    any      `json:"local"`
	Remote   any      `json:"remote"`
	Winner   any      `json:"winner"`
}

// Result is the outcome of a merge.
type Result struct {
	Merged    *model.Task
	Conflicts []FieldResolution
	// Patch is an RFC 7396 JSON merge patch describing how Merged differs
	// from Local, for audit/inspection.
	Patch []byte
}

// Options configures a single merge call, per spec.md Design Notes: the
// default is ServerAuthoritative, but offline-queue replay may explicitly
// request LastWriteWins.
type Options struct {
	Strategy Strategy
}

// Merge reconciles local and remote into a single Task using opts.Strategy
// (defaulting to ServerAuthoritative), excluding system fields from
// merging.
func Merge(local, remote *model.Task, opts Options) (Result, error) {
	if opts.Strategy == "" {
		opts.Strategy = ServerAuthoritative
	}

	merged := local.Clone()
	var conflicts []FieldResolution

	resolve := func(field string, localVal, remoteVal any, apply func(winner any)) {
		if equalValue(localVal, remoteVal) {
			return
		}
		winnerIsRemote, strategy := decide(field, local, remote, opts.Strategy)
		var winner any
		if winnerIsRemote {
			winner = remoteVal
		} else {
			winner = localVal
		}
		apply(winner)
		conflicts = append(conflicts, FieldResolution{
			Field: field, Strategy: strategy, Local: localVal, Remote: remoteVal, Winner: winner,
		})
	}

	resolve("title", local.Title, remote.Title, func(w any) { merged.Title = w.(string) })
	resolve("description", local.Description, remote.Description, func(w any) { merged.Description = w.(string) })
	resolve("status", string(local.Status), string(remote.Status), func(w any) { merged.Status = model.Status(w.(string)) })
	resolve("priority", string(local.Priority), string(remote.Priority), func(w any) { merged.Priority = model.Priority(w.(string)) })

	if !equalTimePtr(local.DueDate, remote.DueDate) {
		winnerIsRemote, strategy := decide("due_date", local, remote, opts.Strategy)
		winner := local.DueDate
		if winnerIsRemote {
			winner = remote.DueDate
		}
		merged.DueDate = winner
		conflicts = append(conflicts, FieldResolution{
			Field: "due_date", Strategy: strategy, Local: local.DueDate, Remote: remote.DueDate, Winner: winner,
		})
	}

	// labels/assignee_ids always use field-merge (array union), regardless
	// of the record-level strategy.
	if !equalStrings(local.Labels, remote.Labels) {
		winner := unionStrings(local.Labels, remote.Labels)
		merged.Labels = winner
		conflicts = append(conflicts, FieldResolution{Field: "labels", Strategy: FieldMerge, Local: local.Labels, Remote: remote.Labels, Winner: winner})
	}
	if !equalStrings(local.AssigneeIDs, remote.AssigneeIDs) {
		winner := unionStrings(local.AssigneeIDs, remote.AssigneeIDs)
		merged.AssigneeIDs = winner
		conflicts = append(conflicts, FieldResolution{Field: "assignee_ids", Strategy: FieldMerge, Local: local.AssigneeIDs, Remote: remote.AssigneeIDs, Winner: winner})
	}

	merged.VectorClock = local.VectorClock.Merge(remote.VectorClock)

	patch, err := buildPatch(local, merged)
	if err != nil {
		return Result{}, err
	}

	return Result{Merged: merged, Conflicts: conflicts, Patch: patch}, nil
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func decide(field string, local, remote *model.Task, strategy Strategy) (winnerIsRemote bool, used Strategy) {
	if model.IsSystemField(field) {
		return true, ServerAuthoritative
	}
	switch strategy {
	case ServerAuthoritative:
		return true, ServerAuthoritative
	case LastWriteWins:
		if local.UpdatedAt.After(remote.UpdatedAt) {
			return false, LastWriteWins
		}
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return true, LastWriteWins
		}
		// Tie: fall back to actor rank, per spec.md section 4.5 (ii).
		return rankWinnerIsRemote(local.ActorTag, remote.ActorTag), ActorRank
	case ActorRank:
		return rankWinnerIsRemote(local.ActorTag, remote.ActorTag), ActorRank
	default:
		return true, ServerAuthoritative
	}
}

func rankWinnerIsRemote(local, remote model.Actor) bool {
	return model.ActorRank[remote] >= model.ActorRank[local]
}

func equalValue(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// unionStrings dedupes the union of a and b, preserving a's order then any
// new elements from b, per spec.md section 4.5 (iv).
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// buildPatch returns the RFC 7396 merge patch taking before to after, computed
// via evanphx/json-patch's CreateMergePatch over their canonical JSON
// renderings.
func buildPatch(before, after *model.Task) ([]byte, error) {
	beforeB, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}
	afterB, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(beforeB, afterB)
}
