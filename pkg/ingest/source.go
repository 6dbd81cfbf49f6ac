// Copyright 2025 James Ross
package ingest

import (
	"io"

	"github.com/google/uuid"

	"github.com/ingestkit/go-ingest/internal/upload"
)

// Format is the ingestion source's data format.
type Format = upload.Format

const (
	FormatCSV        = upload.FormatCSV
	FormatTSV        = upload.FormatTSV
	FormatJSON       = upload.FormatJSON
	FormatMultiJSON  = upload.FormatMultiJSON
	FormatAvro       = upload.FormatAvro
	FormatApacheAvro = upload.FormatApacheAvro
	FormatParquet    = upload.FormatParquet
	FormatORC        = upload.FormatORC
	FormatW3CLog     = upload.FormatW3CLog
	FormatSStream    = upload.FormatSStream
	FormatTxt        = upload.FormatTxt
	FormatRaw        = upload.FormatRaw
)

// CompressionType is the payload's compression encoding.
type CompressionType = upload.Compression

const (
	CompressionNone CompressionType = upload.CompressionNone
	CompressionGzip CompressionType = upload.CompressionGzip
	CompressionZstd CompressionType = upload.CompressionZstd
	CompressionZip  CompressionType = upload.CompressionZip
)

// sourceKind discriminates IngestionSource's three representations.
type sourceKind int

const (
	kindFile sourceKind = iota
	kindStream
	kindBlob
)

// IngestionSource is a sum type over the three ways a caller can hand data
// to the client: a local file path, an in-memory/stream reader, or an
// already-uploaded blob URL. Exactly one representation is populated;
// the constructors (FileSource, StreamSource, BlobSourceFrom) are the only
// way to build one, which is what keeps that invariant true.
type IngestionSource struct {
	kind        sourceKind
	sourceID    string
	format      Format
	compression CompressionType

	filePath string
	fileSize int64 // -1 when unknown

	reader     io.Reader
	streamSize int64 // -1 when unknown

	blobURL       string
	blobExactSize int64 // -1 when unknown
}

// SourceID is the 128-bit (UUIDv4) identity assigned to this source,
// immutable once the source is constructed.
func (s IngestionSource) SourceID() string { return s.sourceID }

// Format is the data format this source carries.
func (s IngestionSource) Format() Format { return s.format }

// ShouldCompress reports whether the uploader should apply client-side
// compression before transfer: binary formats are never compressed, and a
// source already declaring a compression type is left alone.
func (s IngestionSource) ShouldCompress() bool {
	return upload.LocalSource{Format: s.format, Compression: s.compression}.ShouldCompress()
}

// SourceOption customizes a source at construction time.
type SourceOption func(*IngestionSource)

// WithSourceID overrides the generated UUIDv4 source ID. The caller is
// responsible for uniqueness.
func WithSourceID(id string) SourceOption {
	return func(s *IngestionSource) { s.sourceID = id }
}

// WithCompression declares the source's compression type is already known
// (the uploader will not attempt to re-compress it).
func WithCompression(c CompressionType) SourceOption {
	return func(s *IngestionSource) { s.compression = c }
}

func newSource(kind sourceKind, format Format, opts []SourceOption) IngestionSource {
	s := IngestionSource{kind: kind, format: format, sourceID: uuid.NewString()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// FileSource builds an IngestionSource backed by a local file path. Size is
// discovered lazily by the uploader (os.Stat), so no size is threaded here.
func FileSource(path string, format Format, opts ...SourceOption) IngestionSource {
	s := newSource(kindFile, format, opts)
	s.filePath = path
	s.fileSize = -1
	return s
}

// StreamSource builds an IngestionSource backed by an io.Reader of unknown
// size. Pass WithCompression if the stream is already compressed.
func StreamSource(r io.Reader, format Format, opts ...SourceOption) IngestionSource {
	s := newSource(kindStream, format, opts)
	s.reader = r
	s.streamSize = -1
	return s
}

// StreamSourceWithSize is StreamSource for a reader whose exact byte size is
// already known (e.g. a buffered []byte wrapped in bytes.NewReader).
func StreamSourceWithSize(r io.Reader, size int64, format Format, opts ...SourceOption) IngestionSource {
	s := newSource(kindStream, format, opts)
	s.reader = r
	s.streamSize = size
	return s
}

// BlobSourceFrom builds an IngestionSource for data already uploaded to
// storage, referenced by URL (including its SAS token, if any). This
// bypasses the uploader entirely and goes straight to the queued client.
func BlobSourceFrom(url string, format Format, opts ...SourceOption) IngestionSource {
	s := newSource(kindBlob, format, opts)
	s.blobURL = url
	s.blobExactSize = -1
	return s
}

// BlobSourceFromWithSize is BlobSourceFrom for a blob whose exact size is
// already known, so RawDataSize can be set precisely.
func BlobSourceFromWithSize(url string, size int64, format Format, opts ...SourceOption) IngestionSource {
	s := newSource(kindBlob, format, opts)
	s.blobURL = url
	s.blobExactSize = size
	return s
}
