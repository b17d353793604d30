package auth

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
)

// SigningDomain 区分不同协议版本的签名，防止跨协议重放。
const SigningDomain = "agentshield/v1"

// Envelope 是客户端提交的已签名事务。
type Envelope struct {
	Signer         common.Address   `json:"signer"`
	Vault          common.Address   `json:"vault"`
	Nonce          string           `json:"nonce"`
	ValidUntilSlot uint64           `json:"valid_until_slot"`
	Instructions   []RawInstruction `json:"instructions"`
	Signature      hexutil.Bytes    `json:"signature"`
}

// RawInstruction 是尚未解码的指令，Type 取值与 vault.Instruction 的 Name 一致。
type RawInstruction struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

type signingInstruction struct {
	Type   string `cbor:"1,keyasint"`
	Params []byte `cbor:"2,keyasint,omitempty"`
}

type signingPayload struct {
	Domain         string               `cbor:"1,keyasint"`
	Signer         []byte               `cbor:"2,keyasint"`
	Vault          []byte               `cbor:"3,keyasint"`
	Nonce          string               `cbor:"4,keyasint"`
	ValidUntilSlot uint64               `cbor:"5,keyasint"`
	Instructions   []signingInstruction `cbor:"6,keyasint"`
}

var digestMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("auth: build cbor encoder: %v", err))
	}
	digestMode = mode
}

// Digest 计算信封待签名内容的 keccak256 摘要。签名字段本身不参与计算，
// 参数 JSON 会先去除空白再编码。
func (e *Envelope) Digest() ([]byte, error) {
	payload := signingPayload{
		Domain:         SigningDomain,
		Signer:         e.Signer.Bytes(),
		Vault:          e.Vault.Bytes(),
		Nonce:          e.Nonce,
		ValidUntilSlot: e.ValidUntilSlot,
		Instructions:   make([]signingInstruction, 0, len(e.Instructions)),
	}
	for i, ins := range e.Instructions {
		params, err := compactParams(ins.Params)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		payload.Instructions = append(payload.Instructions, signingInstruction{Type: ins.Type, Params: params})
	}
	encoded, err := digestMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode signing payload: %w", err)
	}
	return crypto.Keccak256(encoded), nil
}

// Sign 使用私钥签名信封，并把签名者设置为私钥对应的地址。
func (e *Envelope) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("private key is required")
	}
	e.Signer = crypto.PubkeyToAddress(key.PublicKey)
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	e.Signature = sig
	return nil
}

// RecoverSigner 从签名中恢复地址。兼容 v 为 27/28 的以太坊风格签名。
func (e *Envelope) RecoverSigner() (common.Address, error) {
	digest, err := e.Digest()
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(digest, e.Signature)
}

func recoverAddress(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func compactParams(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("params are not valid json: %w", err)
	}
	return buf.Bytes(), nil
}
