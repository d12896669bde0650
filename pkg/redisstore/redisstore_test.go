package redisstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/record/recordtest"
	"github.com/nais/rollout/pkg/redisstore"
)

const redisAddrEnv = "ROLLOUT_TEST_REDIS_ADDR"

func backend(t *testing.T) record.Backend {
	addr := os.Getenv(redisAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", redisAddrEnv)
	}

	store, err := redisstore.New(context.Background(), redisstore.Options{
		Address: addr,
		Prefix:  "rollout-test:" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestStore(t *testing.T) {
	recordtest.Run(t, backend)
}

func TestStableStore(t *testing.T) {
	recordtest.RunStable(t, backend)
}
