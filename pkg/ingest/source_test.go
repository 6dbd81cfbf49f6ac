package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileSource_AssignsUUIDSourceID(t *testing.T) {
	s := FileSource("/tmp/data.csv", FormatCSV)
	assert.NotEmpty(t, s.SourceID())
	assert.Equal(t, FormatCSV, s.Format())
}

func TestWithSourceID_Overrides(t *testing.T) {
	s := FileSource("/tmp/data.csv", FormatCSV, WithSourceID("fixed-id"))
	assert.Equal(t, "fixed-id", s.SourceID())
}

func TestStreamSource_ShouldCompress(t *testing.T) {
	s := StreamSource(strings.NewReader("a,b,c"), FormatCSV)
	assert.True(t, s.ShouldCompress())
}

func TestStreamSource_BinaryFormatNeverCompresses(t *testing.T) {
	s := StreamSource(strings.NewReader("binary"), FormatParquet)
	assert.False(t, s.ShouldCompress())
}

func TestStreamSource_ExplicitCompressionSkipsAutoCompress(t *testing.T) {
	s := StreamSource(strings.NewReader("a,b,c"), FormatCSV, WithCompression(CompressionGzip))
	assert.False(t, s.ShouldCompress())
}

func TestBlobSourceFromWithSize_SetsExactSize(t *testing.T) {
	s := BlobSourceFromWithSize("https://acct.blob.example/c/blob?sas", 1024, FormatCSV)
	assert.Equal(t, kindBlob, s.kind)
	assert.EqualValues(t, 1024, s.blobExactSize)
}
