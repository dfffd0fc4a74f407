package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xferrous/eventsync/internal/config"
)

const tokenABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"owner","type":"address"},{"indexed":true,"name":"spender","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Approval","type":"event"}
]`

const vaultABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"account","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Deposit","type":"event"}
]`

func testContracts() []config.ContractConfig {
	return []config.ContractConfig{
		{Name: "token", Address: "0x1111111111111111111111111111111111111111", ABI: tokenABI},
		{Name: "vault", Address: "0x2222222222222222222222222222222222222222", ABI: vaultABI},
	}
}

func TestNewRegistry(t *testing.T) {
	r, err := New(testContracts())
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	token, ok := r.ByName("token")
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), token.Address)

	vault, ok := r.ByAddress(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	require.True(t, ok)
	assert.Equal(t, "vault", vault.Name)

	_, ok = r.ByName("missing")
	assert.False(t, ok)

	addrs := r.Addresses()
	require.Len(t, addrs, 2)
	assert.Equal(t, token.Address, addrs[0])
}

func TestEventLookup(t *testing.T) {
	r, err := New(testContracts())
	require.NoError(t, err)

	token, _ := r.ByName("token")

	transferTopic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	ev, ok := token.EventByTopic(transferTopic)
	require.True(t, ok)
	assert.Equal(t, "Transfer", ev.Name)

	_, ok = token.EventByTopic(common.HexToHash("0xdead"))
	assert.False(t, ok)

	assert.Equal(t, []string{
		"Approval(address,address,uint256)",
		"Transfer(address,address,uint256)",
	}, token.EventSignatures())
}

func TestDuplicateContracts(t *testing.T) {
	contracts := testContracts()
	contracts[1].Name = "token"
	_, err := New(contracts)
	assert.Error(t, err)

	contracts = testContracts()
	contracts[1].Address = contracts[0].Address
	_, err = New(contracts)
	assert.Error(t, err)
}

func TestBadABI(t *testing.T) {
	_, err := New([]config.ContractConfig{
		{Name: "broken", Address: "0x1111111111111111111111111111111111111111", ABI: "{not json"},
	})
	assert.Error(t, err)
}

func TestABIFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(tokenABI), 0644))

	r, err := New([]config.ContractConfig{
		{Name: "token", Address: "0x1111111111111111111111111111111111111111", ABIFile: path},
	})
	require.NoError(t, err)

	token, ok := r.ByName("token")
	require.True(t, ok)
	assert.Len(t, token.EventSignatures(), 2)
}

func TestABIFileMissing(t *testing.T) {
	_, err := New([]config.ContractConfig{
		{Name: "token", Address: "0x1111111111111111111111111111111111111111", ABIFile: "/does/not/exist.json"},
	})
	assert.Error(t, err)
}
