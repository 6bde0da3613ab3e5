// Package protocol decides whether this build can read or write a table with
// a given protocol action.
package protocol

import (
	"slices"
	"sort"

	"lakekernel/action"
	"lakekernel/kernelerr"
)

// Table features known to the kernel.
const (
	FeatureAppendOnly            = "appendOnly"
	FeatureInvariants            = "invariants"
	FeatureCheckConstraints      = "checkConstraints"
	FeatureChangeDataFeed        = "changeDataFeed"
	FeatureGeneratedColumns      = "generatedColumns"
	FeatureColumnMapping         = "columnMapping"
	FeatureIdentityColumns       = "identityColumns"
	FeatureDeletionVectors       = "deletionVectors"
	FeatureTimestampNtz          = "timestampNtz"
	FeatureDomainMetadata        = "domainMetadata"
	FeatureV2Checkpoint          = "v2Checkpoint"
	FeatureVacuumProtocolCheck   = "vacuumProtocolCheck"
	FeatureInCommitTimestamp     = "inCommitTimestamp"
	FeatureRowTracking           = "rowTracking"
	FeatureTypeWidening          = "typeWidening"
	FeatureClustering            = "clustering"
	FeatureIcebergCompatV1       = "icebergCompatV1"
	FeatureIcebergCompatV2       = "icebergCompatV2"
	FeatureCheckpointProtection  = "checkpointProtection"
	FeatureVariantType           = "variantType"
	FeatureAllowColumnDefaults   = "allowColumnDefaults"
	FeatureCatalogOwnedPreview   = "catalogOwned-preview"
	FeatureCollations            = "collations-preview"
	FeatureTypeWideningPreview   = "typeWidening-preview"
	FeatureVariantTypePreview    = "variantType-preview"
	FeatureIcebergWriterCompatV1 = "icebergWriterCompatV1"
)

// Versions at which explicit feature lists replace legacy version numbers.
const (
	TableFeaturesReaderVersion = 3
	TableFeaturesWriterVersion = 7
)

// legacyReader and legacyWriter list the features implied by each legacy version.
var legacyReader = map[int][]string{
	2: {FeatureColumnMapping},
}

var legacyWriter = map[int][]string{
	2: {FeatureAppendOnly, FeatureInvariants},
	3: {FeatureCheckConstraints},
	4: {FeatureChangeDataFeed, FeatureGeneratedColumns},
	5: {FeatureColumnMapping},
	6: {FeatureIdentityColumns},
}

// Capabilities describe what this build implements.
type Capabilities struct {
	MaxReaderVersion int
	MaxWriterVersion int
	ReaderFeatures   []string
	WriterFeatures   []string
}

// DefaultCapabilities are the versions and features the kernel can read and,
// for plan inputs, write.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxReaderVersion: TableFeaturesReaderVersion,
		MaxWriterVersion: TableFeaturesWriterVersion,
		ReaderFeatures: []string{
			FeatureColumnMapping,
			FeatureDeletionVectors,
			FeatureTimestampNtz,
			FeatureV2Checkpoint,
			FeatureVacuumProtocolCheck,
			FeatureTypeWidening,
			FeatureTypeWideningPreview,
		},
		WriterFeatures: []string{
			FeatureAppendOnly,
			FeatureInvariants,
			FeatureCheckConstraints,
			FeatureChangeDataFeed,
			FeatureGeneratedColumns,
			FeatureColumnMapping,
			FeatureIdentityColumns,
			FeatureDeletionVectors,
			FeatureTimestampNtz,
			FeatureDomainMetadata,
			FeatureV2Checkpoint,
			FeatureVacuumProtocolCheck,
			FeatureInCommitTimestamp,
			FeatureRowTracking,
			FeatureTypeWidening,
			FeatureTypeWideningPreview,
			FeatureClustering,
			FeatureIcebergCompatV1,
			FeatureIcebergCompatV2,
			FeatureCheckpointProtection,
		},
	}
}

// Without returns a copy of c with the named features removed from both lists.
func (c Capabilities) Without(features ...string) Capabilities {
	drop := func(list []string) []string {
		return slices.DeleteFunc(slices.Clone(list), func(f string) bool {
			return slices.Contains(features, f)
		})
	}
	c.ReaderFeatures = drop(c.ReaderFeatures)
	c.WriterFeatures = drop(c.WriterFeatures)
	return c
}

// Negotiator checks protocol actions against a set of capabilities.
type Negotiator struct {
	caps Capabilities
}

// New returns a Negotiator for the given capabilities.
func New(caps Capabilities) *Negotiator {
	return &Negotiator{caps: caps}
}

// Default returns a Negotiator with DefaultCapabilities.
func Default() *Negotiator {
	return New(DefaultCapabilities())
}

// Capabilities returns the negotiator's capabilities.
func (n *Negotiator) Capabilities() Capabilities {
	return n.caps
}

// Check verifies that the table can be read and that its writer version and
// writer features are known. Writer features can change how data files are
// interpreted. Check is the gate applied during replay.
func (n *Negotiator) Check(p *action.Protocol) error {
	return n.EnsureWriteSupported(p)
}

// EnsureReadSupported fails if the reader version or any reader feature is unsupported.
func (n *Negotiator) EnsureReadSupported(p *action.Protocol) error {
	if p != nil && p.MinReaderVersion > n.caps.MaxReaderVersion {
		return &kernelerr.UnsupportedProtocolError{
			Kind: kernelerr.ProtocolReader, ReaderVersion: p.MinReaderVersion, WriterVersion: p.MinWriterVersion,
		}
	}
	if err := Validate(p); err != nil {
		return err
	}
	for _, f := range ReaderFeatures(p) {
		if !slices.Contains(n.caps.ReaderFeatures, f) {
			return &kernelerr.UnsupportedProtocolError{
				Kind: kernelerr.ProtocolReader, ReaderVersion: p.MinReaderVersion, WriterVersion: p.MinWriterVersion, Feature: f,
			}
		}
	}
	return nil
}

// EnsureWriteSupported fails if the table cannot be both read and written by this build.
func (n *Negotiator) EnsureWriteSupported(p *action.Protocol) error {
	if err := n.EnsureReadSupported(p); err != nil {
		return err
	}
	return n.ensureWriter(p)
}

func (n *Negotiator) ensureWriter(p *action.Protocol) error {
	if p.MinWriterVersion > n.caps.MaxWriterVersion {
		return &kernelerr.UnsupportedProtocolError{
			Kind: kernelerr.ProtocolWriter, ReaderVersion: p.MinReaderVersion, WriterVersion: p.MinWriterVersion,
		}
	}
	for _, f := range WriterFeatures(p) {
		if !slices.Contains(n.caps.WriterFeatures, f) {
			return &kernelerr.UnsupportedProtocolError{
				Kind: kernelerr.ProtocolWriter, ReaderVersion: p.MinReaderVersion, WriterVersion: p.MinWriterVersion, Feature: f,
			}
		}
	}
	return nil
}

// Validate checks the structural rules of a protocol action.
func Validate(p *action.Protocol) error {
	if p == nil {
		return kernelerr.Malformed(-1, "", "missing protocol")
	}
	if p.MinReaderVersion < 1 || p.MinWriterVersion < 1 {
		return kernelerr.Malformed(-1, "", "protocol versions must be positive, got %d/%d", p.MinReaderVersion, p.MinWriterVersion)
	}
	readerListed := p.MinReaderVersion >= TableFeaturesReaderVersion
	writerListed := p.MinWriterVersion >= TableFeaturesWriterVersion
	switch {
	case readerListed && p.ReaderFeatures == nil:
		return kernelerr.Malformed(-1, "", "reader version %d requires readerFeatures", p.MinReaderVersion)
	case !readerListed && p.ReaderFeatures != nil:
		return kernelerr.Malformed(-1, "", "readerFeatures not allowed with reader version %d", p.MinReaderVersion)
	case writerListed && p.WriterFeatures == nil:
		return kernelerr.Malformed(-1, "", "writer version %d requires writerFeatures", p.MinWriterVersion)
	case !writerListed && p.WriterFeatures != nil:
		return kernelerr.Malformed(-1, "", "writerFeatures not allowed with writer version %d", p.MinWriterVersion)
	case readerListed && !writerListed:
		return kernelerr.Malformed(-1, "", "reader version %d requires writer version %d", p.MinReaderVersion, TableFeaturesWriterVersion)
	}
	for _, f := range p.ReaderFeatures {
		if !slices.Contains(p.WriterFeatures, f) {
			return kernelerr.Malformed(-1, "", "reader feature %q is not listed as a writer feature", f)
		}
	}
	return nil
}

// ReaderFeatures returns the reader features in effect, expanding legacy versions.
func ReaderFeatures(p *action.Protocol) []string {
	if p.MinReaderVersion >= TableFeaturesReaderVersion {
		return p.ReaderFeatures
	}
	return implied(legacyReader, p.MinReaderVersion)
}

// WriterFeatures returns the writer features in effect, expanding legacy versions.
func WriterFeatures(p *action.Protocol) []string {
	if p.MinWriterVersion >= TableFeaturesWriterVersion {
		return p.WriterFeatures
	}
	return implied(legacyWriter, p.MinWriterVersion)
}

func implied(table map[int][]string, version int) []string {
	var out []string
	for v, features := range table {
		if v <= version {
			out = append(out, features...)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// HasReaderFeature reports whether f is in effect for readers of p.
func HasReaderFeature(p *action.Protocol, f string) bool {
	return slices.Contains(ReaderFeatures(p), f)
}

// HasWriterFeature reports whether f is in effect for writers of p.
func HasWriterFeature(p *action.Protocol, f string) bool {
	return slices.Contains(WriterFeatures(p), f)
}
