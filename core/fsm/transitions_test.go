package fsm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	none := tag{}
	cases := []struct {
		cur  tag
		op   DeferredOp
		want tag
	}{
		{none, OpWrite, tagged(WriteRequested)},
		{none, OpArchive, tagged(ArchiveRequested)},
		{none, OpRestore, tagged(RestoreRequested)},
		{none, OpDelete, tagged(DeleteRequested)},

		{tagged(ArchiveRequested), OpArchive, tagged(ArchiveRequested)},
		{tagged(ArchiveRequested), OpRestore, none},
		{tagged(ArchiveRequested), OpDelete, tagged(DeleteRequested)},

		{tagged(DeleteRequested), OpWrite, tagged(DeleteRequested)},
		{tagged(DeleteRequested), OpArchive, tagged(DeleteRequested)},
		{tagged(DeleteRequested), OpRestore, tagged(DeleteRequested)},
		{tagged(DeleteRequested), OpDelete, tagged(DeleteRequested)},

		{tagged(RestoreRequested), OpArchive, tagged(ArchiveRequested)},
		{tagged(RestoreRequested), OpRestore, tagged(RestoreRequested)},
		{tagged(RestoreRequested), OpDelete, tagged(DeleteRequested)},

		{tagged(WriteRequested), OpWrite, tagged(WriteRequested)},
		{tagged(WriteRequested), OpArchive, tagged(WriteThenArchiveRequested)},
		{tagged(WriteRequested), OpDelete, none},

		{tagged(WriteThenArchiveRequested), OpWrite, tagged(WriteThenArchiveRequested)},
		{tagged(WriteThenArchiveRequested), OpArchive, tagged(WriteThenArchiveRequested)},
		{tagged(WriteThenArchiveRequested), OpRestore, tagged(WriteRequested)},
		{tagged(WriteThenArchiveRequested), OpDelete, none},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.cur, tc.op), func(t *testing.T) {
			got, err := transition(tc.cur, tc.op)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)

			// Applying the same op again never changes a no-op outcome.
			if got == tc.cur {
				again, err := transition(got, tc.op)
				require.NoError(t, err)
				require.Equal(t, got, again)
			}
		})
	}
}

func TestTransitionUnreachableCells(t *testing.T) {
	for _, tc := range []struct {
		cur RequestedState
		op  DeferredOp
	}{
		{ArchiveRequested, OpWrite},
		{RestoreRequested, OpWrite},
		{WriteRequested, OpRestore},
	} {
		_, err := transition(tagged(tc.cur), tc.op)
		require.ErrorIs(t, err, ErrInternal, "%s on %s", tc.op, tc.cur)
	}
}

func TestParseDeferredOp(t *testing.T) {
	for _, op := range Ops {
		got, err := ParseDeferredOp(op.String())
		require.NoError(t, err)
		require.Equal(t, op, got)
	}
	_, err := ParseDeferredOp("MIGRATE")
	require.Error(t, err)
}

func TestParseGranularity(t *testing.T) {
	for in, want := range map[string]Granularity{
		"":         GranularityNone,
		"none":     GranularityNone,
		"Datafile": GranularityDatafile,
		"dataset":  GranularityDataset,
	} {
		got, err := ParseGranularity(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseGranularity("investigation")
	require.ErrorIs(t, err, ErrInternal)
}
