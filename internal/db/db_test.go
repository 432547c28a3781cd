package db

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not-a-url", RedisProducer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.ParseURL")
}

func TestNewPostgresPool_BadDSN(t *testing.T) {
	_, err := NewPostgresPool(context.Background(), "postgres://%zz", 0)
	require.Error(t, err)
}

func TestSchema_DeclaresUniquenessRules(t *testing.T) {
	assert.Contains(t, schemaSQL, "external_id    TEXT             NOT NULL UNIQUE")
	assert.True(t, strings.Contains(schemaSQL, "UNIQUE (user_id, listing_id)"))
	assert.Contains(t, schemaSQL, "CREATE TYPE notification_status AS ENUM ('pending', 'sent', 'failed')")
}
