package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receipts/internal/billing/billingtest"
	"github.com/roach88/receipts/internal/engine"
)

// startServe runs the serve command until the returned cancel is called.
func startServe(t *testing.T, env *testEnv, args ...string) (*bytes.Buffer, context.CancelFunc, <-chan error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewServeCommand(env.opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()
	t.Cleanup(cancel)
	return buf, cancel, done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancellation")
		return nil
	}
}

func TestServe_StartupSweepAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.billing.AddPurchase(consumable("c1", "coins_100"))

	buf, cancel, done := startServe(t, env)

	require.Eventually(t, func() bool {
		return len(env.billing.CallsOf(billingtest.OpConsume)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return engine.Shared() != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitServe(t, done))

	assert.Contains(t, buf.String(), "Engine started. Reconciling purchases for user-1")
	assert.Len(t, env.poster.PostsOf("c1"), 1)
	assert.Nil(t, engine.Shared(), "shutdown uninstalls the shared engine")
	assert.Nil(t, env.billing.Listener(), "shutdown detaches the store listener")
}

func TestServe_ReconnectTriggersSweep(t *testing.T) {
	env := newTestEnv(t)

	_, cancel, done := startServe(t, env, "--no-startup-sweep")

	require.Eventually(t, func() bool {
		return env.billing.Listener() != nil && engine.Shared() != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, env.billing.CallsOf(billingtest.OpQueryActive))

	env.billing.AddPurchase(consumable("c2", "coins_500"))
	env.billing.Connect()

	require.Eventually(t, func() bool {
		return len(env.poster.PostsOf("c2")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitServe(t, done))
}

func TestServe_RequiresNATSURL(t *testing.T) {
	env := newTestEnv(t)
	env.opts.BillingStore = nil

	_, _, done := startServe(t, env)

	err := waitServe(t, done)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Nil(t, engine.Shared())
}
