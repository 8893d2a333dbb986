package token

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorNewToken(t *testing.T) {
	t.Parallel()

	gen := New(0)
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		tok, err := gen.NewToken()
		require.NoError(t, err)
		require.Len(t, tok, DefaultBytes*2)
		_, err = hex.DecodeString(tok)
		require.NoError(t, err)
		_, dup := seen[tok]
		require.False(t, dup, "duplicate token %s", tok)
		seen[tok] = struct{}{}
	}
}

func ExampleGenerator_NewToken() {
	tok, err := New(8).NewToken()
	if err != nil {
		panic(err)
	}
	fmt.Println(len(tok))
	// Output:
	// 16
}
