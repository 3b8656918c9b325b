package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"regwatch/internal/platform/config"
)

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), config.RedisConfig{})
	assert.Error(t, err)

	_, err = Open(context.Background(), config.RedisConfig{URL: "http://not-redis"})
	assert.ErrorContains(t, err, "parse redis url")
}
