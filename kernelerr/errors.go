package kernelerr

import (
	"errors"
	"fmt"
)

// ErrTableNotFound is returned when a log listing contains no commit or checkpoint files.
var ErrTableNotFound = errors.New("table not found: no log files")

// LogGapError indicates that the commit versions of a log segment are not contiguous.
// Found equals Expected-1 for a duplicated version.
type LogGapError struct {
	Expected int64
	Found    int64
}

func (e *LogGapError) Error() string {
	if e.Found < e.Expected {
		return fmt.Sprintf("log gap: duplicate commit version %d (expected %d)", e.Found, e.Expected)
	}
	return fmt.Sprintf("log gap: expected commit version %d, found %d", e.Expected, e.Found)
}

// MissingCheckpointPartError indicates that a multi-part checkpoint is incomplete.
type MissingCheckpointPartError struct {
	Version int64
	Parts   int
	Missing []int
}

func (e *MissingCheckpointPartError) Error() string {
	return fmt.Sprintf("checkpoint at version %d is incomplete: missing parts %v of %d", e.Version, e.Missing, e.Parts)
}

// ProtocolKind names which side of the protocol is unsupported.
type ProtocolKind string

const (
	ProtocolReader ProtocolKind = "reader"
	ProtocolWriter ProtocolKind = "writer"
)

// UnsupportedProtocolError indicates that a table requires a protocol version or feature
// this build does not implement. Feature is empty when the version itself is out of range.
type UnsupportedProtocolError struct {
	Kind          ProtocolKind
	ReaderVersion int
	WriterVersion int
	Feature       string
}

func (e *UnsupportedProtocolError) Error() string {
	if e.Feature != "" {
		return fmt.Sprintf("unsupported %s feature %q (protocol %d/%d)", e.Kind, e.Feature, e.ReaderVersion, e.WriterVersion)
	}
	version := e.ReaderVersion
	if e.Kind == ProtocolWriter {
		version = e.WriterVersion
	}
	return fmt.Sprintf("unsupported %s version %d", e.Kind, version)
}

// MalformedActionError indicates that a log action failed structural or semantic validation.
// Version is -1 when the action came from outside a known commit.
type MalformedActionError struct {
	Version int64
	Path    string
	Reason  string
	Err     error
}

func (e *MalformedActionError) Error() string {
	msg := "malformed action"
	if e.Version >= 0 {
		msg += fmt.Sprintf(" at version %d", e.Version)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedActionError) Unwrap() error {
	return e.Err
}

// IOError wraps a failure of the engine collaborator. The cause is preserved unchanged.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// VersionNotFoundError indicates that the requested version is beyond the end of the log.
type VersionNotFoundError struct {
	Requested int64
	Latest    int64
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("version %d not found (latest is %d)", e.Requested, e.Latest)
}

// ChangeFeedError indicates that the change feed of a version range cannot be
// read. Version is -1 when the range itself is invalid.
type ChangeFeedError struct {
	Version int64
	Reason  string
}

func (e *ChangeFeedError) Error() string {
	if e.Version < 0 {
		return "change feed unavailable: " + e.Reason
	}
	return fmt.Sprintf("change feed unavailable at version %d: %s", e.Version, e.Reason)
}

// InvalidPredicateError indicates that a scan predicate or projection does not fit the table schema.
type InvalidPredicateError struct {
	Column string
	Reason string
}

func (e *InvalidPredicateError) Error() string {
	if e.Column == "" {
		return "invalid predicate: " + e.Reason
	}
	return fmt.Sprintf("invalid predicate on column %q: %s", e.Column, e.Reason)
}

// Malformed builds a MalformedActionError without a cause.
func Malformed(version int64, path, format string, args ...any) error {
	return &MalformedActionError{Version: version, Path: path, Reason: fmt.Sprintf(format, args...)}
}
