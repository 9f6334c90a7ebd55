package validate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string  `json:"name" validate:"required"`
	Given float64 `json:"scoreGiven" validate:"gte=0,ltefield=Max"`
	Max   float64 `json:"scoreMaximum" validate:"gt=0"`
	Kind  string  `json:"kind" validate:"omitempty,oneof=a b"`
}

func TestStructMessagesUseJSONNames(t *testing.T) {
	err := Struct(sample{Given: 5, Max: 1, Kind: "c"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "name is required")
	require.Contains(t, err.Error(), "scoreGiven must be <= Max")
	require.Contains(t, err.Error(), "kind must be one of [a b]")

	require.NoError(t, Struct(sample{Name: "x", Given: 1, Max: 1}))
}
