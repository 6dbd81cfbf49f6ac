package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_CountsEachTerminalKind(t *testing.T) {
	rows := []Row{
		{Status: StatusSucceeded},
		{Status: StatusSucceeded},
		{Status: StatusFailed},
		{Status: StatusPartiallySucceeded},
		{Status: StatusCanceled},
		{Status: StatusPending},
	}
	c := Summarize(rows)
	assert.Equal(t, Counts{Succeeded: 2, Failed: 2, InProgress: 1, Canceled: 1, Total: 6}, c)
}

func TestRowStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusPartiallySucceeded.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}

func TestOperation_JSONRoundTrip(t *testing.T) {
	op := Operation{
		ID:        "op1",
		Method:    MethodQueued,
		Database:  "db",
		Table:     "tbl",
		StartTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PerBlobStatuses: []Row{
			{PartitionKey: "p1", RowKey: "r1", Status: StatusSucceeded, UpdatedOn: time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)},
		},
		StatusCounts: Counts{Succeeded: 1, Total: 1},
	}

	data, err := MarshalOperation(op)
	require.NoError(t, err)

	roundTripped, err := UnmarshalOperation(data)
	require.NoError(t, err)
	assert.Equal(t, op, roundTripped)
}

func TestRow_JSONRoundTrip(t *testing.T) {
	r := Row{
		PartitionKey:        "p",
		RowKey:               "r",
		Status:               StatusFailed,
		ErrorCode:            "Bad",
		FailureStatus:        "Permanent",
		IngestionSourceID:    "src",
		OperationID:          "op",
		Table:                "t",
		Database:             "d",
		IngestionSourcePath:  "path",
		UpdatedOn:            time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
	op := Operation{PerBlobStatuses: []Row{r}}
	data, err := MarshalOperation(op)
	require.NoError(t, err)
	rt, err := UnmarshalOperation(data)
	require.NoError(t, err)
	assert.Equal(t, r, rt.PerBlobStatuses[0])
}
