package gcs

import (
	"context"
	"testing"

	"github.com/MarkoPoloResearchLab/photovault/internal/objectstore"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{Bucket: "  "}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	normalized, err := normalizePath(" /users/a/photos/pset_1/image_0.jpg ")
	require.NoError(t, err)
	require.Equal(t, "users/a/photos/pset_1/image_0.jpg", normalized)

	_, err = normalizePath("//")
	require.ErrorIs(t, err, objectstore.ErrInvalidPath)
}
