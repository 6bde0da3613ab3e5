package replay

import (
	"maps"
	"slices"
	"strings"

	"lakekernel/action"
)

// State is the reconciled content of a log segment.
type State struct {
	// Version is the table version the state describes.
	Version  int64
	Protocol *action.Protocol
	Metadata *action.Metadata
	// Files holds the live data files by replay identity.
	Files map[action.FileKey]*action.AddFile
	// Txns holds the latest transaction version per application id.
	Txns map[string]action.Txn
	// Domains holds the domain metadata that has not been removed.
	Domains map[string]action.DomainMetadata
	// InCommitTimestamp is the in-commit timestamp of the newest commit, if recorded.
	InCommitTimestamp *int64
	Counts            Counts
}

// Counts tallies what replay consumed.
type Counts struct {
	Commits         int
	CheckpointParts int
	Actions         map[string]int
	// Superseded counts actions ignored because a newer action already decided their slot.
	Superseded int
}

// SortedFiles returns the live files ordered by path, then deletion vector id.
func (s *State) SortedFiles() []*action.AddFile {
	keys := slices.SortedFunc(maps.Keys(s.Files), func(a, b action.FileKey) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.DVID, b.DVID)
	})
	out := make([]*action.AddFile, len(keys))
	for i, k := range keys {
		out[i] = s.Files[k]
	}
	return out
}
