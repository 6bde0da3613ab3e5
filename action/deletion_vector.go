package action

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Deletion vector storage types.
const (
	DVStorageUUID   = "u"
	DVStorageInline = "i"
	DVStoragePath   = "p"
)

// DeletionVectorDescriptor references the rows of a data file that are logically deleted.
type DeletionVectorDescriptor struct {
	StorageType    string `json:"storageType"`
	PathOrInlineDv string `json:"pathOrInlineDv"`
	Offset         *int32 `json:"offset,omitempty"`
	SizeInBytes    int32  `json:"sizeInBytes"`
	Cardinality    int64  `json:"cardinality"`
}

// UniqueID identifies the deletion vector within the table. It is empty for a nil descriptor.
func (dv *DeletionVectorDescriptor) UniqueID() string {
	if dv == nil {
		return ""
	}
	id := dv.StorageType + dv.PathOrInlineDv
	if dv.Offset != nil {
		id += "@" + strconv.Itoa(int(*dv.Offset))
	}
	return id
}

// RelativePath returns the location of the deletion vector file, relative to the
// table root for UUID storage or absolute for path storage. Inline vectors have no file.
func (dv *DeletionVectorDescriptor) RelativePath() (string, error) {
	switch dv.StorageType {
	case DVStorageInline:
		return "", fmt.Errorf("inline deletion vector has no file")
	case DVStoragePath:
		return dv.PathOrInlineDv, nil
	case DVStorageUUID:
		const encodedLen = 20
		if len(dv.PathOrInlineDv) < encodedLen {
			return "", fmt.Errorf("deletion vector id %q too short", dv.PathOrInlineDv)
		}
		split := len(dv.PathOrInlineDv) - encodedLen
		prefix, encoded := dv.PathOrInlineDv[:split], dv.PathOrInlineDv[split:]
		raw, err := decodeZ85(encoded)
		if err != nil {
			return "", fmt.Errorf("decoding deletion vector id: %w", err)
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return "", fmt.Errorf("decoding deletion vector id: %w", err)
		}
		return path.Join(prefix, "deletion_vector_"+id.String()+".bin"), nil
	}
	return "", fmt.Errorf("unknown deletion vector storage type %q", dv.StorageType)
}

const z85Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ.-:+=^!/*?&<>()[]{}@%$#"

func decodeZ85(s string) ([]byte, error) {
	if len(s)%5 != 0 {
		return nil, fmt.Errorf("z85 input length %d is not a multiple of 5", len(s))
	}
	out := make([]byte, 0, len(s)/5*4)
	for i := 0; i < len(s); i += 5 {
		var v uint64
		for _, c := range s[i : i+5] {
			idx := strings.IndexRune(z85Alphabet, c)
			if idx < 0 {
				return nil, fmt.Errorf("invalid z85 character %q", c)
			}
			v = v*85 + uint64(idx)
		}
		if v > 0xFFFFFFFF {
			return nil, fmt.Errorf("z85 block %q overflows", s[i:i+5])
		}
		out = append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return out, nil
}
