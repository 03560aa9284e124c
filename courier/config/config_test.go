// config_test.go - Configuration tests.
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte(`
[Server]
URL = "https://delivery.example.net"
Username = "52a9a816-5d49-41da-a98f-0a6ba9087dcc.1"
Password = "hunter2"
`))
	require.NoError(err)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(defaultRequestTimeout, cfg.Debug.RequestTimeout)
	require.Equal(defaultMaxConcurrency, cfg.Debug.MaxConcurrency)
	require.Equal(defaultMaxEnvelopeSize, cfg.EnvelopeSizeLimit())
}

func TestLoadRejectsBadServer(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Load([]byte(`
[Logging]
Level = "DEBUG"
`))
	require.Error(err)

	_, err = Load([]byte(`
[Server]
URL = "gopher://delivery.example.net"
`))
	require.Error(err)
}

func TestLoadRejectsUndecodedKeys(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Load([]byte(`
[Server]
URL = "https://delivery.example.net"
Frobnicate = true
`))
	require.Error(err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Load([]byte(`
[Logging]
Level = "LOUD"

[Server]
URL = "https://delivery.example.net"
`))
	require.Error(err)
}

func TestEnvelopeSizeLimitDisabled(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte(`
[Server]
URL = "https://delivery.example.net"

[Debug]
MaxEnvelopeSize = -1
`))
	require.NoError(err)
	require.Zero(cfg.EnvelopeSizeLimit())
}
