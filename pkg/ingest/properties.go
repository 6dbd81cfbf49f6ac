// Copyright 2025 James Ross
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ingestkit/go-ingest/internal/queued"
)

// ReportLevel controls which outcomes are reported back to the caller.
type ReportLevel = queued.ReportLevel

const (
	ReportNone               = queued.ReportNone
	ReportFailuresOnly       = queued.ReportFailuresOnly
	ReportFailuresAndSuccess = queued.ReportFailuresAndSuccess
)

// ReportMethod controls where outcomes are reported.
type ReportMethod = queued.ReportMethod

const (
	ReportMethodQueue         = queued.ReportMethodQueue
	ReportMethodTable         = queued.ReportMethodTable
	ReportMethodQueueAndTable = queued.ReportMethodQueueAndTable
)

// ValidationPolicy names one of the service's ingestion validation policies.
type ValidationPolicy string

const (
	ValidationPolicyDoNotValidate                   ValidationPolicy = "DoNotValidate"
	ValidationPolicyValidateCsvInputConstantColumns ValidationPolicy = "ValidateCsvInputConstantColumns"
	ValidationPolicyValidateCsvInputColumnLevelOnly ValidationPolicy = "ValidateCsvInputColumnLevelOnly"
)

// ColumnMapping is one entry of an inline ingestionMapping.
type ColumnMapping struct {
	Column     string            `json:"Column"`
	Properties map[string]string `json:"Properties"`
}

// InlineMapping is a column-mapping list supplied directly on
// IngestionProperties rather than by referencing a named mapping already
// registered with the service. Kind must agree with IngestionProperties.Format
// (see Validate).
type InlineMapping struct {
	Kind     string          `json:"-"`
	Mappings []ColumnMapping `json:"-"`
}

// mappingKindsByFormat is the fixed set of mapping kinds a given ingestion
// format accepts. Most formats accept exactly one; json/multijson share a
// kind since both map fields by JSON path.
var mappingKindsByFormat = map[Format]string{
	FormatCSV:        "Csv",
	FormatTSV:        "Csv",
	FormatTxt:        "Csv",
	FormatW3CLog:     "Csv",
	FormatJSON:       "Json",
	FormatMultiJSON:  "Json",
	FormatAvro:       "Avro",
	FormatApacheAvro: "ApacheAvro",
	FormatParquet:    "Parquet",
	FormatORC:        "Orc",
	FormatSStream:    "Json",
}

// columnMappingSchema constrains an inline mapping to the shape the service
// accepts: a non-empty array of {Column, Properties} objects.
const columnMappingSchema = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["Column", "Properties"],
    "properties": {
      "Column": {"type": "string", "minLength": 1},
      "Properties": {
        "type": "object",
        "additionalProperties": {"type": "string"}
      }
    }
  }
}`

// ValidateInlineMapping checks mappings against the fixed column-mapping
// schema. Called by IngestionProperties.Validate, also exposed directly for
// callers that want to validate mapping JSON before attaching it.
func ValidateInlineMapping(mappings []ColumnMapping) error {
	data, err := json.Marshal(mappings)
	if err != nil {
		return fmt.Errorf("marshal inline mapping: %w", err)
	}
	schemaLoader := gojsonschema.NewStringLoader(columnMappingSchema)
	docLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("validate inline mapping: %w", err)
	}
	if !result.Valid() {
		msg := "inline mapping failed validation:"
		for _, e := range result.Errors() {
			msg += " " + e.String() + ";"
		}
		return errors.New(msg)
	}
	return nil
}

// IngestionProperties is the data model attached to every ingestion call.
type IngestionProperties struct {
	Database string
	Table    string
	Format   Format

	FlushImmediately bool
	ReportLevel      ReportLevel
	ReportMethod     ReportMethod

	// IngestionMappingReference names a mapping already registered with the
	// service. At most one of IngestionMappingReference / IngestionMapping
	// may be set.
	IngestionMappingReference string
	IngestionMapping          *InlineMapping

	AdditionalTags        []string
	IngestByTags          []string
	DropByTags            []string
	IngestIfNotExistsTags []string

	CreationTime     *time.Time
	ValidationPolicy ValidationPolicy

	// AuthorizationContext is filled in by Client from the resource
	// manager's cached auth context; callers do not set this directly.
	AuthorizationContext string
}

// Validate checks the cross-field invariants spec.md names: mapping-kind
// agreement with Format, and at most one mapping representation.
func (p IngestionProperties) Validate() error {
	if p.IngestionMappingReference != "" && p.IngestionMapping != nil {
		return fmt.Errorf("ingest: at most one of IngestionMappingReference or IngestionMapping may be set")
	}
	if p.IngestionMapping != nil {
		wantKind, known := mappingKindsByFormat[p.Format]
		if known && p.IngestionMapping.Kind != "" && p.IngestionMapping.Kind != wantKind {
			return fmt.Errorf("ingest: mapping kind %q does not match format %q (expected %q)", p.IngestionMapping.Kind, p.Format, wantKind)
		}
		if err := ValidateInlineMapping(p.IngestionMapping.Mappings); err != nil {
			return err
		}
	}
	return nil
}

func (p IngestionProperties) validationPolicyJSON() json.RawMessage {
	if p.ValidationPolicy == "" {
		return nil
	}
	raw, _ := json.Marshal(string(p.ValidationPolicy))
	return raw
}

func (p IngestionProperties) inlineMappingReference() string {
	if p.IngestionMapping == nil {
		return p.IngestionMappingReference
	}
	data, err := json.Marshal(p.IngestionMapping.Mappings)
	if err != nil {
		return p.IngestionMappingReference
	}
	return string(data)
}
