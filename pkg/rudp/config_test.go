package rudp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecLiterals(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, 128, c.MTU)
	require.Equal(t, 4, c.WindowSize)
	require.Equal(t, 4*time.Second, c.RTO)
}

func TestMaxPayloadCappedAt64(t *testing.T) {
	c := Config{MTU: 1500}
	require.Equal(t, 64, c.maxPayload())

	c = Config{MTU: 40}
	require.Equal(t, 20, c.maxPayload())
}

func TestLoadConfigFillsDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mtu: 256\n"), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 256, c.MTU)
	require.Equal(t, DefaultWindowSize, c.WindowSize)
	require.Equal(t, defaultRTO, c.RTO)
}
