package process

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadUsageSelf(t *testing.T) {
	u, err := ReadUsage(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), u.PID)
	assert.NotZero(t, u.RSS)
	assert.GreaterOrEqual(t, u.TreeRSS, u.RSS)
	assert.False(t, u.CreatedAt.IsZero())
}

func TestReadUsageInvalidPid(t *testing.T) {
	_, err := ReadUsage(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProcess))
}
