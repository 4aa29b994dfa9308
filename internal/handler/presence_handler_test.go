package handler

import (
	"testing"

	relay_errors "relay-chat/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1, 2", "3", ""})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	for _, raw := range [][]string{nil, {""}, {"1,x"}, {"0"}, {"-4"}} {
		_, err := parseIDs(raw)
		assert.ErrorIs(t, err, relay_errors.ErrInvalidInput, raw)
	}
}
