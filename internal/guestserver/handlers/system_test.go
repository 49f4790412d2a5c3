package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPing_ReportsUptimeAndMessage(t *testing.T) {
	res, rpcErr := Ping(rcWithParams(t, struct{}{}))
	require.Nil(t, rpcErr)
	out := res.(pingResponse)
	assert.Equal(t, "pong", out.Message)
	assert.GreaterOrEqual(t, out.UptimeSec, int64(0))
}

func TestInfo_ReportsNonEmptyHostFacts(t *testing.T) {
	res, rpcErr := Info(rcWithParams(t, struct{}{}))
	require.Nil(t, rpcErr)
	out := res.(systemInfo)
	assert.NotEmpty(t, out.OS)
	assert.NotEmpty(t, out.Arch)
	assert.Greater(t, out.CPUCount, 0)
}

func TestStatus_ReturnsWithoutError(t *testing.T) {
	res, rpcErr := Status(rcWithParams(t, struct{}{}))
	require.Nil(t, rpcErr)
	out := res.(systemStatus)
	assert.GreaterOrEqual(t, out.ProcessCount, 0)
}

func TestRoundTo_TwoDecimalPlaces(t *testing.T) {
	assert.Equal(t, 12.34, roundTo(12.3449))
	assert.Equal(t, 0.0, roundTo(0))
}
