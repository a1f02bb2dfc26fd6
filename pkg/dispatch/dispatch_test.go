package dispatch

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/harun/switchboard/internal/config"
)

func newTestDispatcher(window time.Duration, maxAttempts int) *Dispatcher {
	return New(window, maxAttempts, zerolog.Nop())
}

func TestClassify(t *testing.T) {
	d := newTestDispatcher(5*time.Second, 3)
	defer d.Stop()

	agent := &config.AgentDescriptor{
		ID:               "banking-1",
		Role:             "banking",
		AllowedToolNames: []string{"get_balance", "get_recent_transactions"},
	}

	t.Run("handoff namespace wins", func(t *testing.T) {
		assert.Equal(t, KindHandoff, d.Classify(agent, "transfer_to_triage"))
	})

	t.Run("allowed domain tool", func(t *testing.T) {
		assert.Equal(t, KindDomain, d.Classify(agent, "get_balance"))
	})

	t.Run("tool outside allowed set", func(t *testing.T) {
		assert.Equal(t, KindDisallowed, d.Classify(agent, "verify_identity"))
	})

	t.Run("nil agent allows nothing but handoffs", func(t *testing.T) {
		assert.Equal(t, KindHandoff, d.Classify(nil, "transfer_to_banking"))
		assert.Equal(t, KindDisallowed, d.Classify(nil, "get_balance"))
	})
}

func TestCheckDuplicateInsideWindow(t *testing.T) {
	d := newTestDispatcher(5*time.Second, 3)
	defer d.Stop()

	params := map[string]any{"account_id": "acct-7"}

	assert.False(t, d.CheckDuplicate("s1", "get_balance", params))
	assert.True(t, d.CheckDuplicate("s1", "get_balance", params))
}

func TestCheckDuplicateAfterWindow(t *testing.T) {
	d := newTestDispatcher(50*time.Millisecond, 3)
	defer d.Stop()

	params := map[string]any{"account_id": "acct-7"}

	assert.False(t, d.CheckDuplicate("s1", "get_balance", params))
	time.Sleep(80 * time.Millisecond)
	assert.False(t, d.CheckDuplicate("s1", "get_balance", params))
}

func TestCheckDuplicateDifferentParams(t *testing.T) {
	d := newTestDispatcher(5*time.Second, 3)
	defer d.Stop()

	assert.False(t, d.CheckDuplicate("s1", "get_balance", map[string]any{"account_id": "acct-7"}))
	assert.False(t, d.CheckDuplicate("s1", "get_balance", map[string]any{"account_id": "acct-8"}))
}

func TestCheckDuplicateParamOrderInsensitive(t *testing.T) {
	d := newTestDispatcher(5*time.Second, 3)
	defer d.Stop()

	a := map[string]any{"account_id": "acct-7", "currency": "USD"}
	b := map[string]any{"currency": "USD", "account_id": "acct-7"}

	assert.False(t, d.CheckDuplicate("s1", "get_balance", a))
	assert.True(t, d.CheckDuplicate("s1", "get_balance", b))
}

func TestCheckDuplicateScopedPerSession(t *testing.T) {
	d := newTestDispatcher(5*time.Second, 3)
	defer d.Stop()

	params := map[string]any{"account_id": "acct-7"}

	assert.False(t, d.CheckDuplicate("s1", "get_balance", params))
	assert.False(t, d.CheckDuplicate("s2", "get_balance", params))
}

func TestIncrementAttempt(t *testing.T) {
	d := newTestDispatcher(5*time.Second, 3)
	defer d.Stop()

	assert.Equal(t, 1, d.IncrementAttempt("s1", "verify_identity"))
	assert.Equal(t, 2, d.IncrementAttempt("s1", "verify_identity"))
	assert.False(t, d.AttemptsExceeded("s1", "verify_identity"))

	assert.Equal(t, 3, d.IncrementAttempt("s1", "verify_identity"))
	assert.True(t, d.AttemptsExceeded("s1", "verify_identity"))
}

func TestAttemptsScopedPerSession(t *testing.T) {
	d := newTestDispatcher(5*time.Second, 3)
	defer d.Stop()

	d.IncrementAttempt("s1", "verify_identity")
	d.IncrementAttempt("s1", "verify_identity")
	d.IncrementAttempt("s1", "verify_identity")

	assert.True(t, d.AttemptsExceeded("s1", "verify_identity"))
	assert.False(t, d.AttemptsExceeded("s2", "verify_identity"))
}

func TestReleaseDropsState(t *testing.T) {
	d := newTestDispatcher(5*time.Second, 3)
	defer d.Stop()

	params := map[string]any{"account_id": "acct-7"}
	d.CheckDuplicate("s1", "get_balance", params)
	d.IncrementAttempt("s1", "verify_identity")

	d.Release("s1")

	// A fresh session starts with a clean slate.
	assert.False(t, d.CheckDuplicate("s1", "get_balance", params))
	assert.False(t, d.AttemptsExceeded("s1", "verify_identity"))
	assert.Equal(t, 1, d.IncrementAttempt("s1", "verify_identity"))
}
