package storage

import (
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "uploads/job-1/source", SourceKey("job-1"))
	assert.Equal(t, "outputs/job-1/result.jpeg", OutputKey("job-1", "jpeg"))
}

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "roiflow"})
	assert.NoError(t, err)
	assert.Equal(t, "roiflow", c.Bucket())
}

func TestNewClientDefaultsObjectLimit(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "roiflow"})
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxObjectBytes), c.maxBytes)

	c, err = NewClient(Config{Endpoint: "localhost:9000", Bucket: "roiflow", MaxObjectBytes: 1024})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), c.maxBytes)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied"}))
}
