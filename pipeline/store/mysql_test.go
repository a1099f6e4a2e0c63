package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestDSN returns the MySQL DSN to use for integration tests, or "" if
// none is configured. These tests are skipped in environments without a
// reachable MySQL/MariaDB server (e.g. CI without a database service).
func getTestDSN(t *testing.T) string {
	t.Helper()
	return os.Getenv("AGENTPIPE_TEST_MYSQL_DSN")
}

func TestMySQLStore_NewConnection(t *testing.T) {
	dsn := getTestDSN(t)
	if dsn == "" {
		t.Skip("skipping MySQL store tests: AGENTPIPE_TEST_MYSQL_DSN not set")
	}

	s, err := NewMySQLStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id := "mysql-conv-1"
	require.NoError(t, s.CreateConversation(ctx, id))

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateReceived, conv.State)
}

func TestMySQLStore_InvalidDSN(t *testing.T) {
	_, err := NewMySQLStore("not a valid dsn")
	assert.Error(t, err)
}

func TestMySQLStore_ClaimReceipt_StaleReclamation(t *testing.T) {
	dsn := getTestDSN(t)
	if dsn == "" {
		t.Skip("skipping MySQL store tests: AGENTPIPE_TEST_MYSQL_DSN not set")
	}

	s, err := NewMySQLStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Now()
	tick := base
	s.now = func() time.Time { return tick }

	claimed, err := s.ClaimReceipt(ctx, "mysql-evt-1", pipeline.ReceiptClaimMeta{}, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.ClaimReceipt(ctx, "mysql-evt-1", pipeline.ReceiptClaimMeta{}, 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	tick = base.Add(3 * time.Minute)
	claimed, err = s.ClaimReceipt(ctx, "mysql-evt-1", pipeline.ReceiptClaimMeta{}, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}
