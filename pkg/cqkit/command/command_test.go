package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cmd, err := New("reserve_inventory", "order-service", map[string]any{"sku": "A-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, cmd.ID, cmd.CorrelationID, "root command correlates to itself")
	assert.Equal(t, StatusCreated, cmd.Status)
	assert.Equal(t, DefaultMaxRetries, cmd.MaxRetries)
	assert.Equal(t, DefaultTimeoutSeconds, cmd.TimeoutSeconds)
	assert.Equal(t, "reserve_inventory:"+cmd.CorrelationID, cmd.IdempotencyKey)
	assert.False(t, cmd.Timestamp.IsZero())
}

func TestNewRequiredFields(t *testing.T) {
	_, err := New("", "svc", nil)
	assert.Error(t, err)

	_, err = New("reserve_inventory", "", nil)
	assert.Error(t, err)
}

func TestNewOptions(t *testing.T) {
	cmd, err := New("charge_payment", "checkout", nil,
		WithID("cmd-1"),
		WithCorrelationID("corr-1"),
		WithCausationID("evt-1"),
		WithIdempotencyKey("custom-key"),
		WithMaxRetries(5),
		WithTimeout(10*time.Second),
		WithMetadata(map[string]any{"tenant": "acme"}),
	)
	require.NoError(t, err)

	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, "corr-1", cmd.CorrelationID)
	assert.Equal(t, "evt-1", cmd.CausationID)
	assert.Equal(t, "custom-key", cmd.IdempotencyKey)
	assert.Equal(t, 5, cmd.MaxRetries)
	assert.Equal(t, 10*time.Second, cmd.Timeout())
	assert.Equal(t, "acme", cmd.Metadata["tenant"])
}

func TestIdempotencyKeyFollowsCorrelation(t *testing.T) {
	cmd, err := New("charge_payment", "checkout", nil, WithCorrelationID("corr-7"))
	require.NoError(t, err)

	assert.Equal(t, "charge_payment:corr-7", cmd.IdempotencyKey)
}
