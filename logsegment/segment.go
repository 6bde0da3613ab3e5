package logsegment

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"lakekernel/kernelerr"
)

// Latest asks Resolve for the newest available version.
const Latest int64 = -1

// LogSegment is the minimal ordered set of log files that reconstructs one
// table version: an optional checkpoint followed by every later commit.
type LogSegment struct {
	TableRoot string
	// Version is the table version the segment ends at.
	Version int64
	// CheckpointVersion is -1 when the segment starts at version 0.
	CheckpointVersion int64
	// Checkpoint holds the parts of the checkpoint in part order.
	Checkpoint []FileRef
	// Commits are ascending and contiguous, starting at CheckpointVersion+1.
	Commits []FileRef
	// LastModified is the modification time of the newest file in the segment.
	LastModified time.Time
}

// HasCheckpoint reports whether the segment starts from a checkpoint.
func (s *LogSegment) HasCheckpoint() bool {
	return len(s.Checkpoint) > 0
}

// Files returns every file of the segment, checkpoint parts first.
func (s *LogSegment) Files() []FileRef {
	out := make([]FileRef, 0, len(s.Checkpoint)+len(s.Commits))
	out = append(out, s.Checkpoint...)
	return append(out, s.Commits...)
}

// CommitsAfter returns the commits with a version greater than v.
func (s *LogSegment) CommitsAfter(v int64) []FileRef {
	i := sort.Search(len(s.Commits), func(i int) bool { return s.Commits[i].Version > v })
	return s.Commits[i:]
}

func (s *LogSegment) String() string {
	return fmt.Sprintf("segment(version=%d checkpoint=%d parts=%d commits=%d)",
		s.Version, s.CheckpointVersion, len(s.Checkpoint), len(s.Commits))
}

// Resolve selects the log files that reconstruct target from a listing of the
// log directory. target may be Latest. Unrecognised entries are ignored.
//
// The newest checkpoint at or below target anchors the segment. Among the
// checkpoints written for that version a complete one is chosen; if all are
// missing parts the resolution fails rather than falling back to an older
// checkpoint. The commits following the anchor must be contiguous up to target.
func Resolve(tableRoot string, entries []Entry, target int64) (*LogSegment, error) {
	var commits []FileRef
	checkpoints := map[int64][]FileRef{}
	for _, e := range entries {
		lp, ok := ParsePath(e.Location)
		if !ok {
			continue
		}
		ref := FileRef{LogPath: lp, Entry: e}
		if lp.Kind == KindCommit {
			commits = append(commits, ref)
		} else {
			checkpoints[lp.Version] = append(checkpoints[lp.Version], ref)
		}
	}
	if len(commits) == 0 && len(checkpoints) == 0 {
		return nil, kernelerr.ErrTableNotFound
	}
	slices.SortStableFunc(commits, func(a, b FileRef) int { return cmpVersion(a.Version, b.Version) })

	latest := int64(-1)
	if len(commits) > 0 {
		latest = commits[len(commits)-1].Version
	}
	for v, group := range checkpoints {
		if v > latest {
			if _, err := pickCheckpoint(v, group); err == nil {
				latest = v
			}
		}
	}

	if target == Latest {
		if latest < 0 {
			return nil, &kernelerr.VersionNotFoundError{Requested: target, Latest: latest}
		}
		target = latest
	}
	if target < 0 || target > latest {
		return nil, &kernelerr.VersionNotFoundError{Requested: target, Latest: latest}
	}

	seg := &LogSegment{TableRoot: tableRoot, Version: target, CheckpointVersion: -1}

	anchor := int64(-1)
	for v := range checkpoints {
		if v <= target && v > anchor {
			anchor = v
		}
	}
	if anchor >= 0 {
		parts, err := pickCheckpoint(anchor, checkpoints[anchor])
		if err != nil {
			return nil, err
		}
		seg.Checkpoint = parts
		seg.CheckpointVersion = anchor
		seg.LastModified = newest(parts)
	}

	expected := anchor + 1
	for _, c := range commits {
		if c.Version <= anchor {
			continue
		}
		if c.Version > target {
			break
		}
		if c.Version != expected {
			return nil, &kernelerr.LogGapError{Expected: expected, Found: c.Version}
		}
		seg.Commits = append(seg.Commits, c)
		expected++
	}
	if expected <= target {
		return nil, &kernelerr.LogGapError{Expected: expected, Found: nextListed(expected, commits, checkpoints)}
	}
	if n := len(seg.Commits); n > 0 {
		seg.LastModified = seg.Commits[n-1].ModTime
	}
	return seg, nil
}

// CommitRange selects the commits of versions start through end from a
// listing of the log directory. end may be Latest. Checkpoints are ignored:
// every commit in the range must still be listed, and contiguous.
func CommitRange(entries []Entry, start, end int64) ([]FileRef, error) {
	var commits []FileRef
	listed := false
	for _, e := range entries {
		lp, ok := ParsePath(e.Location)
		if !ok {
			continue
		}
		listed = true
		if lp.Kind == KindCommit {
			commits = append(commits, FileRef{LogPath: lp, Entry: e})
		}
	}
	if !listed {
		return nil, kernelerr.ErrTableNotFound
	}
	slices.SortStableFunc(commits, func(a, b FileRef) int { return cmpVersion(a.Version, b.Version) })

	latest := int64(-1)
	if len(commits) > 0 {
		latest = commits[len(commits)-1].Version
	}
	if end == Latest {
		end = latest
	}
	if start < 0 || (end >= 0 && start > end) {
		return nil, &kernelerr.ChangeFeedError{Version: -1, Reason: fmt.Sprintf("invalid version range [%d, %d]", start, end)}
	}
	if end > latest || end < 0 {
		return nil, &kernelerr.VersionNotFoundError{Requested: end, Latest: latest}
	}

	var out []FileRef
	expected := start
	for _, c := range commits {
		if c.Version < start {
			continue
		}
		if c.Version > end {
			break
		}
		if c.Version != expected {
			return nil, &kernelerr.LogGapError{Expected: expected, Found: c.Version}
		}
		out = append(out, c)
		expected++
	}
	if expected <= end {
		return nil, &kernelerr.LogGapError{Expected: expected, Found: nextListed(expected, commits, nil)}
	}
	return out, nil
}

// pickCheckpoint chooses a complete checkpoint among the files written for
// one version. Single-file checkpoints win over UUID-named ones, which win
// over multi-part ones; ties go to fewer parts, then to the smaller name.
func pickCheckpoint(version int64, files []FileRef) ([]FileRef, error) {
	type candidate struct {
		rank  int
		name  string
		parts []FileRef
		total int
	}
	var complete []candidate
	multi := map[int]map[int]FileRef{}
	for _, f := range files {
		switch {
		case f.Parts > 1:
			if multi[f.Parts] == nil {
				multi[f.Parts] = map[int]FileRef{}
			}
			multi[f.Parts][f.Part] = f
		case f.UUID != "":
			complete = append(complete, candidate{rank: 1, name: f.Location, parts: []FileRef{f}, total: 1})
		default:
			complete = append(complete, candidate{rank: 0, name: f.Location, parts: []FileRef{f}, total: 1})
		}
	}

	var incomplete *kernelerr.MissingCheckpointPartError
	totals := make([]int, 0, len(multi))
	for n := range multi {
		totals = append(totals, n)
	}
	sort.Ints(totals)
	for _, n := range totals {
		got := multi[n]
		parts := make([]FileRef, 0, n)
		var missing []int
		for p := 1; p <= n; p++ {
			f, ok := got[p]
			if !ok {
				missing = append(missing, p)
				continue
			}
			parts = append(parts, f)
		}
		if len(missing) > 0 {
			if incomplete == nil {
				incomplete = &kernelerr.MissingCheckpointPartError{Version: version, Parts: n, Missing: missing}
			}
			continue
		}
		complete = append(complete, candidate{rank: 2, name: parts[0].Location, parts: parts, total: n})
	}

	if len(complete) == 0 {
		if incomplete == nil {
			return nil, fmt.Errorf("no checkpoint files at version %d", version)
		}
		return nil, incomplete
	}
	best := slices.MinFunc(complete, func(a, b candidate) int {
		if a.rank != b.rank {
			return a.rank - b.rank
		}
		if a.total != b.total {
			return a.total - b.total
		}
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	return best.parts, nil
}

// nextListed returns the lowest listed version at or above from, or -1.
func nextListed(from int64, commits []FileRef, checkpoints map[int64][]FileRef) int64 {
	next := int64(-1)
	consider := func(v int64) {
		if v >= from && (next < 0 || v < next) {
			next = v
		}
	}
	for _, c := range commits {
		consider(c.Version)
	}
	for v := range checkpoints {
		consider(v)
	}
	return next
}

func newest(files []FileRef) time.Time {
	var t time.Time
	for _, f := range files {
		if f.ModTime.After(t) {
			t = f.ModTime
		}
	}
	return t
}

func cmpVersion(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
