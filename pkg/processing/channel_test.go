package processing

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultChannelDrainsOnce(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, successEnvelope([]byte(`"v"`))))

	ch := newResultChannel()
	_, ok, err := ch.Drain()
	assert.False(t, ok, "unfilled channel")
	assert.NoError(t, err)

	ch.fill(&buf)
	<-ch.Filled()

	env, ok, err := ch.Drain()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ResultSuccess, env.Status)
	assert.Equal(t, `"v"`, string(env.Payload))

	_, ok, err = ch.Drain()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestResultChannelEmptyAndCorrupt(t *testing.T) {
	empty := newResultChannel()
	empty.fill(strings.NewReader(""))
	_, ok, err := empty.Drain()
	assert.False(t, ok)
	assert.NoError(t, err)

	corrupt := newResultChannel()
	corrupt.fill(strings.NewReader("{not json"))
	_, ok, err = corrupt.Drain()
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestErrorEnvelopeText(t *testing.T) {
	env := errorEnvelope(ResultSerializeError, "cannot encode chan")
	assert.Equal(t, ResultSerializeError, env.Status)
	assert.Equal(t, "cannot encode chan", env.Text())
}
