package supplysim

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuanceJSON(t *testing.T) {
	data, err := json.Marshal(Issuance{
		Reward:      big.NewInt(1),
		Withdrawals: big.NewInt(2),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reward":"0x1","withdrawals":"0x2"}`, string(data))

	var dec Issuance
	require.NoError(t, json.Unmarshal(data, &dec))
	assert.Nil(t, dec.GenesisAlloc)
	assert.Equal(t, int64(1), dec.Reward.Int64())
	assert.Equal(t, int64(2), dec.Withdrawals.Int64())
}

func TestBurnJSON(t *testing.T) {
	data, err := json.Marshal(Burn{
		EIP1559: big.NewInt(3),
		Blob:    big.NewInt(4),
		Misc:    big.NewInt(5),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"eip1559":"0x3","blob":"0x4","misc":"0x5"}`, string(data))
}

func TestCalculatedDelta(t *testing.T) {
	rec := &Record{
		Issuance: &Issuance{
			Reward:      big.NewInt(5),
			Withdrawals: big.NewInt(2),
		},
		Burn: &Burn{
			EIP1559: big.NewInt(1),
			Blob:    big.NewInt(1),
			Misc:    big.NewInt(1),
		},
	}
	assert.Equal(t, int64(4), rec.CalculatedDelta().Int64())

	// Nil issuance and burn behave as zero.
	empty := &Record{}
	assert.Zero(t, empty.CalculatedDelta().Sign())
}

func TestFlatten(t *testing.T) {
	rec := &Record{
		BlockNumber: 5,
		Issuance: &Issuance{
			Reward:      big.NewInt(2),
			Withdrawals: big.NewInt(3),
		},
		Burn: &Burn{
			EIP1559: big.NewInt(1),
			Blob:    big.NewInt(1),
			Misc:    big.NewInt(1),
		},
	}

	flat := Flatten(rec)
	assert.Equal(t, uint64(5), flat.BlockNumber)
	assert.Equal(t, int64(2), flat.Delta.ToInt().Int64())
	assert.Equal(t, int64(2), flat.Reward.ToInt().Int64())
	assert.Equal(t, int64(3), flat.Withdrawals.ToInt().Int64())
	assert.Equal(t, int64(3), flat.Burn.ToInt().Int64())
}

func TestFlattenGenesis(t *testing.T) {
	rec := &Record{
		Issuance: &Issuance{GenesisAlloc: big.NewInt(7)},
	}

	flat := Flatten(rec)
	assert.Equal(t, int64(7), flat.Delta.ToInt().Int64())
	assert.Zero(t, flat.Reward.ToInt().Sign())
	assert.Zero(t, flat.Burn.ToInt().Sign())
}

func TestParseRecordShape(t *testing.T) {
	shape, err := ParseRecordShape("issuance")
	require.NoError(t, err)
	assert.Equal(t, ShapeIssuance, shape)

	shape, err = ParseRecordShape("flat")
	require.NoError(t, err)
	assert.Equal(t, ShapeFlat, shape)

	// Empty defaults to the issuance shape.
	shape, err = ParseRecordShape("")
	require.NoError(t, err)
	assert.Equal(t, ShapeIssuance, shape)

	_, err = ParseRecordShape("nested")
	assert.Error(t, err)
}
