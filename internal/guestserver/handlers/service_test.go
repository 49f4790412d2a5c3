package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

// ServiceControl shells out to systemctl, which this test environment
// doesn't provide, so only the validation layer in front of that call is
// exercised here — CheckServiceAction/CheckServiceName are covered
// directly in policy_test.go.

func TestServiceControl_MissingNameFails(t *testing.T) {
	_, rpcErr := ServiceControl(rcWithParams(t, serviceControlParams{Action: "status"}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.MissingRequired, rpcErr.Code)
}

func TestServiceControl_InvalidActionFails(t *testing.T) {
	_, rpcErr := ServiceControl(rcWithParams(t, serviceControlParams{Name: "sshd", Action: "reboot"}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.InvalidParams, rpcErr.Code)
}

func TestServiceControl_InvalidNameFails(t *testing.T) {
	_, rpcErr := ServiceControl(rcWithParams(t, serviceControlParams{Name: "sshd; rm -rf /", Action: "status"}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.InvalidParams, rpcErr.Code)
}

func TestServiceControl_DefaultsActionToStatus(t *testing.T) {
	// With no systemctl binary present, status lookup degrades to
	// "unknown" rather than erroring — this only checks that omitting
	// action doesn't trip the action validator.
	_, rpcErr := ServiceControl(rcWithParams(t, serviceControlParams{Name: "sshd"}))
	assert.Nil(t, rpcErr)
}
