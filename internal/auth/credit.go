package auth

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentShield/internal/vault"
)

// CreditSigningDomain 与事务信封的签名域分开，两类签名不能互相冒用。
const CreditSigningDomain = "agentshield/v1/credit"

// CreditOrder 是运营方签名的入金指令，用于把外部到账记入账本。
type CreditOrder struct {
	Signer         common.Address `json:"signer"`
	Account        common.Address `json:"account"`
	Token          common.Address `json:"token"`
	Amount         uint64         `json:"amount"`
	Reference      string         `json:"reference,omitempty"`
	Nonce          string         `json:"nonce"`
	ValidUntilSlot uint64         `json:"valid_until_slot"`
	Signature      hexutil.Bytes  `json:"signature"`
}

type creditPayload struct {
	Domain         string `cbor:"1,keyasint"`
	Signer         []byte `cbor:"2,keyasint"`
	Account        []byte `cbor:"3,keyasint"`
	Token          []byte `cbor:"4,keyasint"`
	Amount         uint64 `cbor:"5,keyasint"`
	Reference      string `cbor:"6,keyasint"`
	Nonce          string `cbor:"7,keyasint"`
	ValidUntilSlot uint64 `cbor:"8,keyasint"`
}

// Digest 计算入金指令待签名内容的 keccak256 摘要。
func (o *CreditOrder) Digest() ([]byte, error) {
	encoded, err := digestMode.Marshal(creditPayload{
		Domain:         CreditSigningDomain,
		Signer:         o.Signer.Bytes(),
		Account:        o.Account.Bytes(),
		Token:          o.Token.Bytes(),
		Amount:         o.Amount,
		Reference:      o.Reference,
		Nonce:          o.Nonce,
		ValidUntilSlot: o.ValidUntilSlot,
	})
	if err != nil {
		return nil, fmt.Errorf("encode credit payload: %w", err)
	}
	return crypto.Keccak256(encoded), nil
}

// Sign 使用运营方私钥签名。
func (o *CreditOrder) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("private key is required")
	}
	o.Signer = crypto.PubkeyToAddress(key.PublicKey)
	digest, err := o.Digest()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("sign credit order: %w", err)
	}
	o.Signature = sig
	return nil
}

// RecoverSigner 从签名中恢复地址。
func (o *CreditOrder) RecoverSigner() (common.Address, error) {
	digest, err := o.Digest()
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(digest, o.Signature)
}

// Credit 转换为 vault 入金请求。
func (o *CreditOrder) Credit() vault.Credit {
	return vault.Credit{
		Operator:  o.Signer,
		Account:   o.Account,
		Token:     o.Token,
		Amount:    o.Amount,
		Reference: o.Reference,
	}
}
