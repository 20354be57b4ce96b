package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
my_node_id = 1
signing_sk = "AAA="
dh_sk = "AAA="
shuffle_msg_length = 256
my_position = "0"
protocol_version = "V1_SHUFFLE_BULK"

[nodes.1]
addr = "127.0.0.1"
port = 9001
signing_pk = "AAA="
dh_pk = "AAA="

[[topology]]
node_id = 1
next_id = -1
prev_id = -1
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load([]byte(sampleTOML))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.MyNodeID)
	require.Equal(t, 1, cfg.NumNodes())
	require.Equal(t, 1024, cfg.DisposableKeyLength, "default disposable key length")
	require.Equal(t, V1ShuffleBulk, cfg.ProtocolVersion)

	topo := cfg.RosterTopology()
	require.Len(t, topo, 1)
	require.EqualValues(t, 1, topo[0].NodeID)
}

func TestLoadRejectsShortShuffleMsgLength(t *testing.T) {
	bad := `
my_node_id = 1
shuffle_msg_length = 2
[nodes.1]
addr = "127.0.0.1"
port = 9001
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
}

func TestLoadRejectsEmptyNodes(t *testing.T) {
	bad := `
my_node_id = 1
shuffle_msg_length = 256
`
	_, err := Load([]byte(bad))
	require.Error(t, err)
}
