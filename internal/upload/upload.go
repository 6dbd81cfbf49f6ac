// Copyright 2025 James Ross
// Package upload implements the uploader (C4): compression, blob naming,
// container selection with walk-on-failure, and block-parallel transfer of
// a local file or stream into a selected storage container.
package upload

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
	"github.com/ingestkit/go-ingest/internal/resources"
)

// Format is the ingestion source's data format.
type Format string

const (
	FormatCSV        Format = "csv"
	FormatTSV        Format = "tsv"
	FormatJSON       Format = "json"
	FormatMultiJSON  Format = "multijson"
	FormatAvro       Format = "avro"
	FormatApacheAvro Format = "apacheavro"
	FormatParquet    Format = "parquet"
	FormatORC        Format = "orc"
	FormatW3CLog     Format = "w3clog"
	FormatSStream    Format = "sstream"
	FormatTxt        Format = "txt"
	FormatRaw        Format = "raw"
)

// binaryFormats never get client-side compression.
var binaryFormats = map[Format]bool{
	FormatParquet:    true,
	FormatORC:        true,
	FormatAvro:       true,
	FormatApacheAvro: true,
	FormatSStream:    true,
}

// Compression is the payload's compression encoding.
type Compression string

const (
	// CompressionNone is the zero value, so a LocalSource left unset
	// defaults to "no compression applied yet" rather than silently
	// skipping the automatic-compression path.
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionZip  Compression = "zip"
)

// LocalSource is a file or in-memory/stream payload awaiting upload. Exactly
// one of FilePath or Reader is populated.
type LocalSource struct {
	SourceID    string
	FilePath    string
	Reader      io.Reader
	Size        int64 // -1 when unknown
	Format      Format
	Compression Compression
}

// ShouldCompress reports whether the uploader should gzip-compress this
// source before transfer: binary formats are never compressed, and a
// source already declaring a compression type is left alone.
func (s LocalSource) ShouldCompress() bool {
	return !binaryFormats[s.Format] && s.Compression == CompressionNone
}

// rawDataSizeEstimateFactor is applied when a compressed source's
// uncompressed size is unknown. Applied uniformly across gzip/zip/zstd; see
// DESIGN.md for why zstd is a known under-estimate here.
const rawDataSizeEstimateFactor = 11

// EstimateRawSize estimates the uncompressed size of a compressed payload
// whose uncompressed size is unknown.
func EstimateRawSize(compressedSize int64) int64 {
	return compressedSize * rawDataSizeEstimateFactor
}

// Props carries the subset of IngestionProperties the uploader needs to
// name and route a blob.
type Props struct {
	Database string
	Table    string
}

// BlobSource is the result of a successful upload.
type BlobSource struct {
	URL       string
	ExactSize int64
	// EstimatedRawSize is the uncompressed size the ingestion service should
	// bill/report against: the exact transferred size for an uncompressed
	// source, or transferredSize*rawDataSizeEstimateFactor when the source
	// was (or arrived already) compressed and its true uncompressed size was
	// never known. Callers should prefer this over ExactSize when the
	// source's raw size itself is what's needed, since ExactSize always
	// reflects the literal bytes transferred, not the decompressed size.
	EstimatedRawSize int64
	SourceID         string
}

// Backend performs the actual block-parallel transfer against one
// container. It is the seam across the "blob-storage SDK primitives" that
// this package treats as an external collaborator.
type Backend interface {
	PutBlockBlob(ctx context.Context, container resources.Ref, blobName string, r io.Reader, size int64, opts BlockOptions) error
}

// BlockOptions configures a single backend transfer.
type BlockOptions struct {
	BlockSizeBytes      int64
	MaxBlocks           int
	MaxConcurrency      int
	SingleShotThreshold int64
}

// countingReader tracks how many bytes have been read through it, for
// sources whose size is unknown until the transfer itself completes.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ResourceProvider is the subset of *resources.Manager the uploader needs.
type ResourceProvider interface {
	ShuffledContainers() ([]resources.Ref, error)
	ContainerStartIndex(size int) (int, error)
}

// AccountRecorder is the subset of *accountset.Set the uploader needs.
type AccountRecorder interface {
	Record(account string, success bool)
}

// Config tunes size caps and block transfer parameters.
type Config struct {
	MaxSingleUploadSize int64 // threshold under which compression runs in-process; default 256MB
	MaxDataSize         int64 // default 4GB
	IgnoreSizeLimit     bool
	BlockSizeBytes      int64 // default 4MB
	MaxBlocks           int   // default 50000
	MaxConcurrency      int   // default 16
	// PreferZstd selects zstd over gzip for the automatic compression path
	// (ShouldCompress); it does not affect sources with an explicit
	// Compression already set.
	PreferZstd       bool
	ZstdEncoderLevel zstd.EncoderLevel
}

// DefaultConfig returns the uploader's default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSingleUploadSize: 256 << 20,
		MaxDataSize:         4 << 30,
		BlockSizeBytes:      4 << 20,
		MaxBlocks:           50000,
		MaxConcurrency:      16,
	}
}

// Uploader is the C4 uploader.
type Uploader struct {
	cfg       Config
	resources ResourceProvider
	accounts  AccountRecorder
	backend   Backend
}

// New constructs an Uploader.
func New(cfg Config, resources ResourceProvider, accounts AccountRecorder, backend Backend) *Uploader {
	if cfg.MaxSingleUploadSize == 0 {
		cfg = DefaultConfig()
	}
	return &Uploader{cfg: cfg, resources: resources, accounts: accounts, backend: backend}
}

var sanitizePattern = regexp.MustCompile(`[\x00-\x1f\r\n\s{}|/\\?#;]`)

const maxBlobNameLen = 128

// blobName derives "{table}__{db}__{sourceId}__{sanitized-basename}{ext}".
func blobName(props Props, source LocalSource, compressedExt string) string {
	base := source.FilePath
	if base == "" {
		base = source.SourceID
	}
	base = baseName(base)
	ext := extOf(base)
	if compressedExt != "" {
		ext = compressedExt
	}
	sanitized := sanitizePattern.ReplaceAllString(strings.TrimSuffix(base, extOf(base)), "-")
	name := fmt.Sprintf("%s__%s__%s__%s%s", props.Table, props.Database, source.SourceID, sanitized, ext)
	if len(name) > maxBlobNameLen {
		const suffix = "__trunc"
		name = name[:maxBlobNameLen-len(suffix)] + suffix
	}
	return name
}

func baseName(path string) string {
	idx := strings.LastIndexAny(path, "/\\")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func extOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

// Upload optionally compresses source, names and stages the destination
// blob, and transfers it with container walk-on-failure and block-parallel
// upload.
func (u *Uploader) Upload(ctx context.Context, source LocalSource, props Props) (BlobSource, error) {
	if source.FilePath == "" && source.Reader == nil {
		return BlobSource{}, ingesterrors.New(ingesterrors.KindUploadFailed, ingesterrors.SubSourceIsNull, "source has neither a file path nor a reader")
	}
	if source.SourceID == "" {
		source.SourceID = uuid.NewString()
	}

	reader, size, compressedExt, err := u.prepare(source)
	if err != nil {
		return BlobSource{}, err
	}
	if closer, ok := reader.(io.Closer); ok {
		defer closer.Close()
	}

	// estimatedRaw is what the service should treat as RawDataSize: the
	// exact size for an uncompressed source, or the gz-multiplier estimate
	// when the source is compressed and its true uncompressed size was
	// never declared. When size itself is unknown (streaming source with no
	// declared Size), this is recomputed from the actual transferred byte
	// count once the upload completes.
	estimatedRaw := size
	if compressedExt != "" && size >= 0 && (source.Compression != CompressionNone || source.Size < 0) {
		estimatedRaw = EstimateRawSize(size)
	}

	if size >= 0 && !u.cfg.IgnoreSizeLimit && estimatedRaw > u.cfg.MaxDataSize {
		return BlobSource{}, ingesterrors.New(ingesterrors.KindUploadFailed, ingesterrors.SubSourceSizeLimitExceed,
			fmt.Sprintf("source size %d exceeds max data size %d", estimatedRaw, u.cfg.MaxDataSize))
	}

	name := blobName(props, source, compressedExt)

	containers, err := u.resources.ShuffledContainers()
	if err != nil {
		return BlobSource{}, err
	}
	if len(containers) == 0 {
		return BlobSource{}, ingesterrors.NoAvailableContainers()
	}
	start, err := u.resources.ContainerStartIndex(len(containers))
	if err != nil {
		return BlobSource{}, err
	}

	opts := BlockOptions{
		BlockSizeBytes:      u.cfg.BlockSizeBytes,
		MaxBlocks:           u.cfg.MaxBlocks,
		MaxConcurrency:      u.cfg.MaxConcurrency,
		SingleShotThreshold: u.cfg.MaxSingleUploadSize,
	}

	// size < 0 means the transfer length is unknown up front; count bytes as
	// they're read so EstimatedRawSize can still be derived once the
	// transfer succeeds instead of silently reporting zero.
	var cr *countingReader
	transferReader := reader
	if size < 0 {
		cr = &countingReader{r: reader}
		transferReader = cr
	}

	var lastErr error
	for i := 0; i < len(containers); i++ {
		c := containers[(start+i)%len(containers)]
		err := u.backend.PutBlockBlob(ctx, c, name, transferReader, size, opts)
		if err == nil {
			u.accounts.Record(c.AccountName, true)
			exact := size
			estimate := estimatedRaw
			if cr != nil {
				exact = cr.n
				estimate = exact
				if compressedExt != "" {
					estimate = EstimateRawSize(exact)
				}
			}
			return BlobSource{
				URL:              c.Endpoint + "/" + name + "?" + c.SAS,
				ExactSize:        exact,
				EstimatedRawSize: estimate,
				SourceID:         source.SourceID,
			}, nil
		}
		u.accounts.Record(c.AccountName, false)
		lastErr = err
		if ingesterrors.IsPermanent(err) {
			return BlobSource{}, err
		}
		if ctx.Err() != nil {
			return BlobSource{}, ingesterrors.Canceled()
		}
	}
	if lastErr == nil {
		lastErr = ingesterrors.NoAvailableContainers()
	}
	return BlobSource{}, ingesterrors.Wrap(ingesterrors.KindUploadFailed, ingesterrors.SubUploadFailed, false, lastErr)
}

// extByCompression maps an already-chosen compression type to its blob
// extension, for sources the caller compressed itself.
var extByCompression = map[Compression]string{
	CompressionGzip: ".gz",
	CompressionZstd: ".zst",
	CompressionZip:  ".zip",
}

// prepare opens the source and, if it should compress and is small enough,
// compresses it into memory first so its exact size is known up front. It
// returns the reader to upload, its size (-1 if unknown), and the blob
// extension implied by compression ("" for uncompressed).
func (u *Uploader) prepare(source LocalSource) (io.Reader, int64, string, error) {
	var r io.Reader
	size := source.Size
	if source.FilePath != "" {
		f, err := os.Open(source.FilePath)
		if err != nil {
			return nil, 0, "", ingesterrors.Wrap(ingesterrors.KindUploadFailed, ingesterrors.SubSourceNotReadable, true, err)
		}
		if size < 0 {
			if info, statErr := f.Stat(); statErr == nil {
				size = info.Size()
			}
		}
		r = f
	} else {
		r = source.Reader
	}

	if size == 0 {
		return nil, 0, "", ingesterrors.New(ingesterrors.KindUploadFailed, ingesterrors.SubSourceIsEmpty, "source is empty")
	}

	if !source.ShouldCompress() {
		return r, size, extByCompression[source.Compression], nil
	}
	if size >= 0 && size > u.cfg.MaxSingleUploadSize {
		// Large enough that in-process compression would be costly; upload
		// raw and let the estimate rule account for it downstream.
		return r, size, "", nil
	}

	var buf bytes.Buffer
	if u.cfg.PreferZstd {
		if err := zstdCompress(&buf, r, u.cfg.ZstdEncoderLevel); err != nil {
			return nil, 0, "", ingesterrors.Wrap(ingesterrors.KindUploadFailed, ingesterrors.SubNetworkError, false, err)
		}
		return bytes.NewReader(buf.Bytes()), int64(buf.Len()), ".zst", nil
	}

	gw := gzip.NewWriter(&buf)
	if _, err := io.Copy(gw, r); err != nil {
		return nil, 0, "", ingesterrors.Wrap(ingesterrors.KindUploadFailed, ingesterrors.SubNetworkError, false, err)
	}
	if err := gw.Close(); err != nil {
		return nil, 0, "", ingesterrors.Wrap(ingesterrors.KindUploadFailed, "", false, err)
	}
	return bytes.NewReader(buf.Bytes()), int64(buf.Len()), ".gz", nil
}

// zstdCompress writes r's zstd-compressed contents to w at the given
// encoder level, grounded on the pack's zstd encoder-level mapping.
func zstdCompress(w io.Writer, r io.Reader, level zstd.EncoderLevel) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
