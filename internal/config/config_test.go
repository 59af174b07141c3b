package config

import (
	"testing"

	"github.com/dav2/dav2/internal/dav2err"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 80, c.NembPct)
	require.Equal(t, 16, c.EmptyRecycleThreshold)
	require.Equal(t, ModeBMEMV2, c.Mode)
}

func TestLoadClampsNembPct(t *testing.T) {
	t.Setenv("DAOS_MD_ON_SSD_NEMB_PCT", "0")
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 1, c.NembPct)

	t.Setenv("DAOS_MD_ON_SSD_NEMB_PCT", "150")
	c, err = Load()
	require.NoError(t, err)
	require.Equal(t, 100, c.NembPct)
}

func TestLoadZeroRecycleThresholdFallsBackToDefault(t *testing.T) {
	t.Setenv("DAOS_NEMB_EMPTY_RECYCLE_THRESHOLD", "0")
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, defaultEmptyRecycleThreshold, c.EmptyRecycleThreshold)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("DAOS_MD_ON_SSD_MODE", "NOT_A_MODE")
	_, err := Load()
	require.Error(t, err)
	code, ok := dav2err.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, dav2err.InvalidArgument, code)
}
