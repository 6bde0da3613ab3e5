package action

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

type envelope struct {
	Add                *AddFile            `json:"add,omitempty"`
	Remove             *RemoveFile         `json:"remove,omitempty"`
	CDC                *AddCDCFile         `json:"cdc,omitempty"`
	MetaData           *Metadata           `json:"metaData,omitempty"`
	Protocol           *Protocol           `json:"protocol,omitempty"`
	Txn                *Txn                `json:"txn,omitempty"`
	DomainMetadata     *DomainMetadata     `json:"domainMetadata,omitempty"`
	CommitInfo         *CommitInfo         `json:"commitInfo,omitempty"`
	Sidecar            *Sidecar            `json:"sidecar,omitempty"`
	CheckpointMetadata *CheckpointMetadata `json:"checkpointMetadata,omitempty"`
}

func (e *envelope) actions() []Action {
	var out []Action
	if e.Add != nil {
		out = append(out, e.Add)
	}
	if e.Remove != nil {
		out = append(out, e.Remove)
	}
	if e.CDC != nil {
		out = append(out, e.CDC)
	}
	if e.MetaData != nil {
		out = append(out, e.MetaData)
	}
	if e.Protocol != nil {
		out = append(out, e.Protocol)
	}
	if e.Txn != nil {
		out = append(out, e.Txn)
	}
	if e.DomainMetadata != nil {
		out = append(out, e.DomainMetadata)
	}
	if e.CommitInfo != nil {
		out = append(out, e.CommitInfo)
	}
	if e.Sidecar != nil {
		out = append(out, e.Sidecar)
	}
	if e.CheckpointMetadata != nil {
		out = append(out, e.CheckpointMetadata)
	}
	return out
}

// DecodeLine decodes one log line. It returns nil without error for a line that
// carries only action kinds this package does not know.
func DecodeLine(line []byte) (Action, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}
	actions := env.actions()
	switch len(actions) {
	case 0:
		return nil, nil
	case 1:
		return actions[0], nil
	}
	return nil, fmt.Errorf("decoding action: line holds %d actions", len(actions))
}

// EncodeLine encodes an action as a single log line, without the trailing newline.
func EncodeLine(a Action) ([]byte, error) {
	var env envelope
	switch v := a.(type) {
	case *AddFile:
		env.Add = v
	case *RemoveFile:
		env.Remove = v
	case *AddCDCFile:
		env.CDC = v
	case *Metadata:
		env.MetaData = v
	case *Protocol:
		env.Protocol = v
	case *Txn:
		env.Txn = v
	case *DomainMetadata:
		env.DomainMetadata = v
	case *CommitInfo:
		env.CommitInfo = v
	case *Sidecar:
		env.Sidecar = v
	case *CheckpointMetadata:
		env.CheckpointMetadata = v
	default:
		return nil, fmt.Errorf("encoding action: unknown variant %T", a)
	}
	return json.Marshal(env)
}

// Decoder reads newline-delimited actions.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &Decoder{scanner: s}
}

// Next returns the next known action, or io.EOF when the input is exhausted.
func (d *Decoder) Next() (Action, error) {
	for d.scanner.Scan() {
		d.line++
		a, err := DecodeLine(d.scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", d.line, err)
		}
		if a != nil {
			return a, nil
		}
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Encode writes actions as newline-delimited JSON.
func Encode(w io.Writer, actions ...Action) error {
	for _, a := range actions {
		line, err := EncodeLine(a)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("writing action: %w", err)
		}
	}
	return nil
}
