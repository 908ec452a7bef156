package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHexKnownDigest(t *testing.T) {
	t.Parallel()

	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", Hex([]byte("hello world")))
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hex(nil))
}
