package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget_HostOnly(t *testing.T) {
	pt, err := parseTarget("worker-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", pt.host)
	assert.Nil(t, pt.numaNodeID)
	assert.Empty(t, pt.gpus)
}

func TestParseTarget_WithNuma(t *testing.T) {
	pt, err := parseTarget("worker-1:1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", pt.host)
	require.NotNil(t, pt.numaNodeID)
	assert.Equal(t, 1, *pt.numaNodeID)
}

func TestParseTarget_WithNumaAndGPUs(t *testing.T) {
	pt, err := parseTarget("worker-1:0::0,1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", pt.host)
	require.NotNil(t, pt.numaNodeID)
	assert.Equal(t, 0, *pt.numaNodeID)
	assert.Equal(t, []int{0, 1}, pt.gpus)
}

func TestParseTarget_InvalidNuma(t *testing.T) {
	_, err := parseTarget("worker-1:abc")
	assert.Error(t, err)
}

func TestParseTarget_InvalidGPUList(t *testing.T) {
	_, err := parseTarget("worker-1::a,b")
	assert.Error(t, err)
}
