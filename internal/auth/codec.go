package auth

import (
	"bytes"
	"encoding/json"
	"fmt"

	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/vault"
)

// externalParams 描述外部动作。核心只记录其标签，不解释内容。
type externalParams struct {
	Label string `json:"label"`
}

// DecodeInstructions 将原始指令解码为 vault 指令，未知类型或多余字段视为请求错误。
func DecodeInstructions(raw []RawInstruction) ([]vault.Instruction, error) {
	out := make([]vault.Instruction, 0, len(raw))
	for i, item := range raw {
		ins, err := decodeInstruction(item)
		if err != nil {
			return nil, xerrors.Wrap(CodeMalformedEnvelope, err, fmt.Sprintf("instruction %d (%s)", i, item.Type))
		}
		out = append(out, ins)
	}
	return out, nil
}

func decodeInstruction(raw RawInstruction) (vault.Instruction, error) {
	switch raw.Type {
	case "create_vault":
		return decodeAs[vault.CreateVault](raw.Params)
	case "update_policy":
		var patch vault.PolicyPatch
		if err := decodeParams(raw.Params, &patch); err != nil {
			return nil, err
		}
		return vault.UpdatePolicy{Patch: patch}, nil
	case "register_agent":
		return decodeAs[vault.RegisterAgent](raw.Params)
	case "revoke_agent":
		return decodeAs[vault.RevokeAgent](raw.Params)
	case "reactivate_vault":
		return decodeAs[vault.ReactivateVault](raw.Params)
	case "deposit":
		return decodeAs[vault.Deposit](raw.Params)
	case "withdraw":
		return decodeAs[vault.Withdraw](raw.Params)
	case "close_vault":
		return decodeAs[vault.CloseVault](raw.Params)
	case "authorize":
		return decodeAs[vault.Authorize](raw.Params)
	case "finalize":
		return decodeAs[vault.Finalize](raw.Params)
	case "external":
		var params externalParams
		if err := decodeParams(raw.Params, &params); err != nil {
			return nil, err
		}
		return vault.External{Label: params.Label}, nil
	default:
		return nil, fmt.Errorf("unknown instruction type %q", raw.Type)
	}
}

func decodeAs[T vault.Instruction](raw json.RawMessage) (vault.Instruction, error) {
	var ins T
	if err := decodeParams(raw, &ins); err != nil {
		return nil, err
	}
	return ins, nil
}

func decodeParams(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
