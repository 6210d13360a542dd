package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstPrefersEarlierKeys(t *testing.T) {
	t.Setenv("LOTLEDGER_TEST_A", "")
	t.Setenv("LOTLEDGER_TEST_B", " b ")
	assert.Equal(t, "b", First("x", "LOTLEDGER_TEST_A", "LOTLEDGER_TEST_B"))
	assert.Equal(t, "x", Get("LOTLEDGER_TEST_A", "x"))

	t.Setenv("LOTLEDGER_TEST_A", "a")
	assert.Equal(t, "a", First("x", "LOTLEDGER_TEST_A", "LOTLEDGER_TEST_B"))
}
