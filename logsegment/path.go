// Package logsegment recognises log file names and resolves the minimal set of
// log files that reconstructs a table version.
package logsegment

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LogDir is the log directory under a table root.
const LogDir = "_delta_log"

// FileKind distinguishes commits from checkpoint parts.
type FileKind int

const (
	KindCommit FileKind = iota
	KindCheckpoint
)

func (k FileKind) String() string {
	if k == KindCheckpoint {
		return "checkpoint"
	}
	return "commit"
}

// Format is the encoding of a log file.
type Format string

const (
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// LogPath is the information carried by a log file name.
type LogPath struct {
	Version int64
	Kind    FileKind
	Format  Format
	// Part and Parts are 1-based for multi-part checkpoints and 1/1 otherwise.
	Part  int
	Parts int
	// UUID is set for UUID-named checkpoints.
	UUID string
}

// Entry is one object returned by a listing of the log directory.
type Entry struct {
	Location string
	Size     int64
	ModTime  time.Time
}

// FileRef is a recognised log file.
type FileRef struct {
	LogPath
	Entry
}

func (f FileRef) String() string {
	return fmt.Sprintf("%s@%d(%s)", f.Kind, f.Version, f.Location)
}

const versionDigits = 20

// CommitName returns the base name of the commit file for version.
func CommitName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

// CheckpointName returns the base name of a classic checkpoint file. parts <= 1
// gives a single-file checkpoint.
func CheckpointName(version int64, part, parts int) string {
	if parts <= 1 {
		return fmt.Sprintf("%020d.checkpoint.parquet", version)
	}
	return fmt.Sprintf("%020d.checkpoint.%010d.%010d.parquet", version, part, parts)
}

// UUIDCheckpointName returns the base name of a UUID-named (v2) checkpoint.
func UUIDCheckpointName(version int64, id string, format Format) string {
	return fmt.Sprintf("%020d.checkpoint.%s.%s", version, id, format)
}

// LastCheckpointName is the base name of the checkpoint hint file.
const LastCheckpointName = "_last_checkpoint"

// SidecarDir is the log subdirectory holding V2 checkpoint sidecar files.
const SidecarDir = "_sidecars"

// SidecarLocation resolves the path of a sidecar referenced by the checkpoint
// at checkpointLocation. Only paths relative to the sidecar directory are accepted.
func SidecarLocation(checkpointLocation, sidecarPath string) (string, error) {
	clean := path.Clean(sidecarPath)
	if clean == "." || strings.Contains(sidecarPath, "://") || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("sidecar path %q is not relative to %s", sidecarPath, SidecarDir)
	}
	return path.Join(path.Dir(checkpointLocation), SidecarDir, clean), nil
}

// Dir returns the slash-terminated log directory of a table root.
func Dir(tableRoot string) string {
	root := strings.Trim(tableRoot, "/")
	if root == "" {
		return LogDir + "/"
	}
	return path.Join(root, LogDir) + "/"
}

// ParsePath recognises a log file by its base name. Anything that is not a
// commit or checkpoint, such as _last_checkpoint or a checksum file, is rejected.
func ParsePath(name string) (LogPath, bool) {
	base := path.Base(name)
	if len(base) <= versionDigits || base[versionDigits] != '.' {
		return LogPath{}, false
	}
	version, ok := parseVersion(base[:versionDigits])
	if !ok {
		return LogPath{}, false
	}
	rest := base[versionDigits+1:]

	if rest == "json" {
		return LogPath{Version: version, Kind: KindCommit, Format: FormatJSON, Part: 1, Parts: 1}, true
	}

	fields := strings.Split(rest, ".")
	if len(fields) < 2 || fields[0] != "checkpoint" {
		return LogPath{}, false
	}
	cp := LogPath{Version: version, Kind: KindCheckpoint, Part: 1, Parts: 1}
	switch len(fields) {
	case 2:
		if fields[1] != string(FormatParquet) {
			return LogPath{}, false
		}
		cp.Format = FormatParquet
	case 3:
		if _, err := uuid.Parse(fields[1]); err != nil {
			return LogPath{}, false
		}
		switch Format(fields[2]) {
		case FormatParquet, FormatJSON:
			cp.Format = Format(fields[2])
		default:
			return LogPath{}, false
		}
		cp.UUID = fields[1]
	case 4:
		if fields[3] != string(FormatParquet) || len(fields[1]) != 10 || len(fields[2]) != 10 {
			return LogPath{}, false
		}
		part, err1 := strconv.Atoi(fields[1])
		parts, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || parts < 1 || part < 1 || part > parts {
			return LogPath{}, false
		}
		cp.Format, cp.Part, cp.Parts = FormatParquet, part, parts
	default:
		return LogPath{}, false
	}
	return cp, true
}

func parseVersion(s string) (int64, bool) {
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}
