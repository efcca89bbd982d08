package upgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/badu/channeld/transport"
)

func TestIsUpgradeRequest_RequiresBothHeaders(t *testing.T) {
	req := &transport.RequestMeta{Header: map[string][]string{
		"Connection": {"keep-alive, Upgrade"},
		"Upgrade":    {"websocket"},
	}}
	assert.True(t, IsUpgradeRequest(req))
}

func TestIsUpgradeRequest_MissingUpgradeHeader(t *testing.T) {
	req := &transport.RequestMeta{Header: map[string][]string{
		"Connection": {"Upgrade"},
	}}
	assert.False(t, IsUpgradeRequest(req))
}

func TestIsUpgradeRequest_WrongToken(t *testing.T) {
	req := &transport.RequestMeta{Header: map[string][]string{
		"Connection": {"close"},
		"Upgrade":    {"h2c"},
	}}
	assert.False(t, IsUpgradeRequest(req))
}

func TestNew_DefaultBufferSizes(t *testing.T) {
	u := New()
	assert.Equal(t, 2048, u.ws.ReadBufferSize)
	assert.Equal(t, 2048, u.ws.WriteBufferSize)
}
