package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

func TestTransaction_WriteSet(t *testing.T) {
	a, b := Begin(), Begin()
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, TxnStateRunning, a.State())

	a.RecordWrite(WriteInsert, pagemanager.RowID{PageID: 3, Slot: 0})
	a.RecordWrite(WriteDelete, pagemanager.RowID{PageID: 3, Slot: 1})
	writes := a.WriteSet()
	require.Len(t, writes, 2)
	require.Equal(t, WriteDelete, writes[1].Kind)

	writes[0].Kind = WriteUpdate
	require.Equal(t, WriteInsert, a.WriteSet()[0].Kind)

	a.SetState(TxnStateCommitted)
	require.Equal(t, "committed", a.State().String())
}

func TestTransaction_NilIsPassThrough(t *testing.T) {
	var txn *Transaction
	txn.RecordWrite(WriteInsert, pagemanager.InvalidRowID)
	txn.SetState(TxnStateAborted)
	require.Nil(t, txn.WriteSet())
	require.Equal(t, TxnStateRunning, txn.State())
}
