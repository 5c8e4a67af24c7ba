package mqtt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBroker(t *testing.T) {
	t.Parallel()

	broker, tlsConfig, err := resolveBroker(Config{Host: "broker.local"})
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.local:1883", broker)
	assert.Nil(t, tlsConfig)

	broker, _, err = resolveBroker(Config{Host: "broker.local", Port: 11883})
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.local:11883", broker)
}

func TestResolveBrokerTLSErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, _, err := resolveBroker(Config{Host: "b", CACert: filepath.Join(dir, "missing.pem")})
	assert.Error(t, err)

	garbage := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))
	_, _, err = resolveBroker(Config{Host: "b", CACert: garbage})
	assert.Error(t, err)
}

func TestDisabledClient(t *testing.T) {
	t.Parallel()

	connected := false
	c, err := New(Config{ClientID: "door-1"}, Handlers{OnConnect: func() { connected = true }})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())

	require.NoError(t, c.Connect())
	assert.True(t, connected, "disabled client reports connected so lights settle")
	require.NoError(t, c.Subscribe(ControlTopic("door-1")))
	c.Publish(StatusTopic("door-1", "ping"), []byte("{}"))
	c.Disconnect()
	assert.Equal(t, "rfidtrack/control/node/door-1/command", ControlTopic(c.ClientID()))
}

func TestInvalidQoS(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Host: "broker.local", QoS: 3}, Handlers{})
	assert.Error(t, err)
}
