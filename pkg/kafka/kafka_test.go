package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runEvent struct {
	Type    string `json:"type"`
	Scanned uint64 `json:"scanned"`
}

func TestDecodeJSON(t *testing.T) {
	ev, err := DecodeJSON[runEvent]([]byte(`{"type":"score","scanned":12}`))
	require.NoError(t, err)
	assert.Equal(t, runEvent{Type: "score", Scanned: 12}, ev)

	_, err = DecodeJSON[runEvent]([]byte(`{"type":`))
	assert.ErrorContains(t, err, "decoding kafka message")
}
