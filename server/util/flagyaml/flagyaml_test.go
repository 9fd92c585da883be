package flagyaml_test

import (
	"flag"
	"testing"
	"time"

	"github.com/blocksched/blocksched/server/util/flagyaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testString   = flag.String("flagyaml_test.name", "default", "")
	testInterval = flag.Duration("flagyaml_test.interval", time.Second, "")
	testCount    = flag.Uint64("flagyaml_test.nested.count", 0, "")
)

func TestPopulateFlagsFromData(t *testing.T) {
	config := `
flagyaml_test:
  name: configured
  interval: 5s
  nested:
    count: 42
`
	require.NoError(t, flagyaml.PopulateFlagsFromData([]byte(config)))
	assert.Equal(t, "configured", *testString)
	assert.Equal(t, 5*time.Second, *testInterval)
	assert.Equal(t, uint64(42), *testCount)
}

func TestUnknownFlagRejected(t *testing.T) {
	err := flagyaml.PopulateFlagsFromData([]byte("no_such_flag: 1\n"))
	require.Error(t, err)
}

func TestMalformedYAMLRejected(t *testing.T) {
	err := flagyaml.PopulateFlagsFromData([]byte(":\n  - ["))
	require.Error(t, err)
}
