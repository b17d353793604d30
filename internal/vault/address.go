package vault

import (
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	seedVault   = []byte("vault")
	seedPolicy  = []byte("policy")
	seedTracker = []byte("tracker")
	seedSession = []byte("session")
)

// VaultAddress 由 (owner, vaultId) 确定性地推导金库地址，同时作为其托管账户。
func VaultAddress(owner common.Address, vaultID uint64) common.Address {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], vaultID)
	return derive(seedVault, owner.Bytes(), id[:])
}

// PolicyAddress 返回金库对应的策略记录地址。
func PolicyAddress(vault common.Address) common.Address {
	return derive(seedPolicy, vault.Bytes())
}

// TrackerAddress 返回金库对应的消费追踪记录地址。
func TrackerAddress(vault common.Address) common.Address {
	return derive(seedTracker, vault.Bytes())
}

// SessionAddress 返回 (vault, agent) 会话地址，也是会话押金的托管账户。
func SessionAddress(vault, agent common.Address) common.Address {
	return derive(seedSession, vault.Bytes(), agent.Bytes())
}

func derive(parts ...[]byte) common.Address {
	return common.BytesToAddress(crypto.Keccak256(parts...)[12:])
}

func sortAddresses(list []common.Address) {
	sort.Slice(list, func(i, j int) bool { return list[i].Cmp(list[j]) < 0 })
}
