package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"tillhouse/internal/entity"
	"tillhouse/pkg/domain"
)

type MemoryStoreSuite struct {
	StoreContractSuite
}

func TestMemoryStoreSuite(t *testing.T) {
	s := new(MemoryStoreSuite)
	s.newStore = func() contractStore { return NewMemory() }
	suite.Run(t, s)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	key := domain.OrgKey("giftcard", "org-1", "card-1")
	data := json.RawMessage(`{"balance":100}`)
	require.NoError(t, st.Save(ctx, entity.Snapshot{Key: key, Version: 1, Data: data}, 0))

	data[2] = 'X'
	got, err := st.Load(ctx, key)
	require.NoError(t, err)
	got.Data[3] = 'Y'

	again, err := st.Load(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":100}`, string(again.Data))
	assert.Equal(t, 1, st.Len())
}
