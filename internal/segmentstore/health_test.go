package segmentstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	querycore "github.com/lychee-technology/forma"
)

func TestValidateS3Config(t *testing.T) {
	assert.NoError(t, ValidateS3Config(querycore.DuckDBConfig{EnableS3: false}))

	assert.Error(t, ValidateS3Config(querycore.DuckDBConfig{EnableS3: true}))
	assert.Error(t, ValidateS3Config(querycore.DuckDBConfig{EnableS3: true, S3AccessKey: "k"}))
	assert.Error(t, ValidateS3Config(querycore.DuckDBConfig{EnableS3: true, S3SecretKey: "s"}))

	assert.NoError(t, ValidateS3Config(querycore.DuckDBConfig{EnableS3: true, S3Endpoint: "http://minio:9000"}))
	assert.NoError(t, ValidateS3Config(querycore.DuckDBConfig{EnableS3: true, S3AccessKey: "k", S3SecretKey: "s"}))
}

func TestValidatePostgresConfig(t *testing.T) {
	assert.Error(t, ValidatePostgresConfig(querycore.PostgresConfig{}))
	assert.Error(t, ValidatePostgresConfig(querycore.PostgresConfig{DSN: "postgres://x"}))
	assert.NoError(t, ValidatePostgresConfig(querycore.PostgresConfig{DSN: "postgres://x", MaxConnections: 4}))
}
