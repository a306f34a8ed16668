package cli

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/dhtnode/config"
	"github.com/kadcore/dhtnode/dht"
)

func TestStartNodeBindsConfiguredFamilies(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr4 = "127.0.0.1:0"
	cfg.ListenAddr6 = ""

	log := logrus.New()
	log.SetOutput(io.Discard)

	rn, err := startNode(cfg, log)
	require.NoError(t, err)
	defer rn.Close()

	_, ok := rn.Engines[dht.FamilyV4]
	assert.True(t, ok)
	_, ok = rn.Engines[dht.FamilyV6]
	assert.False(t, ok)
}

func TestStartNodeRequiresAtLeastOneFamily(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr4 = ""
	cfg.ListenAddr6 = ""

	_, err := startNode(cfg, logrus.New())
	assert.Error(t, err)
}
