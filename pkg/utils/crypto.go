package utils

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// EventSignatureHash returns the keccak256 topic hash of a canonical event
// signature such as "Transfer(address,address,uint256)".
func EventSignatureHash(signature string) string {
	hash := crypto.Keccak256Hash([]byte(signature))
	return hash.Hex()
}

// EventID derives the deterministic identity of a stored event. Both the
// historical and realtime paths observe the same (txHash, logIndex) pair for
// a given log, so they derive the same ID.
func EventID(txHash string, logIndex uint) string {
	data := fmt.Sprintf("%s-%d", strings.ToLower(txHash), logIndex)
	hash := crypto.Keccak256Hash([]byte(data))
	return hash.Hex()
}
