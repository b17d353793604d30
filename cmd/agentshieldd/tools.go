package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"AgentShield/internal/auth"
	"AgentShield/internal/config"
	"AgentShield/internal/storage/sqlstore"
	"AgentShield/internal/vault"
)

const envSignerKey = "AGENTSHIELD_SIGNER_KEY"

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured SQL store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == "memory" {
				return errors.New("memory 存储无需迁移")
			}
			// Open 会在建立连接后执行全部迁移。
			store, err := sqlstore.Open(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s 迁移完成\n", cfg.Storage.Driver)
			return err
		},
	}
}

func newAddressCmd() *cobra.Command {
	var owner, agent string
	var vaultID uint64
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the derived vault, policy, tracker and session addresses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !common.IsHexAddress(owner) {
				return fmt.Errorf("owner 不是合法地址: %q", owner)
			}
			address := vault.VaultAddress(common.HexToAddress(owner), vaultID)
			out := map[string]common.Address{
				"vault":   address,
				"policy":  vault.PolicyAddress(address),
				"tracker": vault.TrackerAddress(address),
			}
			if agent != "" {
				if !common.IsHexAddress(agent) {
					return fmt.Errorf("agent 不是合法地址: %q", agent)
				}
				out["session"] = vault.SessionAddress(address, common.HexToAddress(agent))
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "金库所有者地址")
	cmd.Flags().Uint64Var(&vaultID, "vault-id", 0, "所有者范围内的金库编号")
	cmd.Flags().StringVar(&agent, "agent", "", "代理地址，填写后额外输出会话地址")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSignCmd() *cobra.Command {
	var (
		vaultAddr  string
		nonce      string
		validUntil uint64
		input      string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a list of instructions into a submittable envelope",
		Long: "Reads a JSON array of {\"type\",\"params\"} instructions from --file (or stdin) " +
			"and signs it with the hex private key in " + envSignerKey + ".",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := loadSignerKey()
			if err != nil {
				return err
			}
			if !common.IsHexAddress(vaultAddr) {
				return fmt.Errorf("vault 不是合法地址: %q", vaultAddr)
			}

			var r io.Reader = cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var instructions []auth.RawInstruction
			if err := json.NewDecoder(r).Decode(&instructions); err != nil {
				return fmt.Errorf("解析指令失败: %w", err)
			}
			// 提前解码一次，避免签出服务端必然拒绝的信封。
			if _, err := auth.DecodeInstructions(instructions); err != nil {
				return err
			}

			if nonce == "" {
				nonce = uuid.NewString()
			}
			env := &auth.Envelope{
				Vault:          common.HexToAddress(vaultAddr),
				Nonce:          nonce,
				ValidUntilSlot: validUntil,
				Instructions:   instructions,
			}
			if err := env.Sign(key); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), env)
		},
	}
	cmd.Flags().StringVar(&vaultAddr, "vault", "", "目标金库地址")
	cmd.Flags().StringVar(&nonce, "nonce", "", "一次性随机数，默认生成 UUID")
	cmd.Flags().Uint64Var(&validUntil, "valid-until", 0, "信封最后有效的 slot")
	cmd.Flags().StringVarP(&input, "file", "f", "-", "指令文件，- 表示标准输入")
	_ = cmd.MarkFlagRequired("vault")
	_ = cmd.MarkFlagRequired("valid-until")
	return cmd
}

func newCreditCmd() *cobra.Command {
	var (
		account, token, nonce, reference string
		amount, validUntil               uint64
	)
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Sign an operator credit order for POST /api/v1/credits",
		Long: "Signs a ledger credit (for example an observed on-chain deposit) with the operator key in " +
			envSignerKey + ". The signer must be listed in auth.operators on the server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := loadSignerKey()
			if err != nil {
				return err
			}
			if !common.IsHexAddress(account) {
				return fmt.Errorf("account 不是合法地址: %q", account)
			}
			if token != "" && !common.IsHexAddress(token) {
				return fmt.Errorf("token 不是合法地址: %q", token)
			}
			if amount == 0 {
				return errors.New("amount 必须为正数")
			}
			if nonce == "" {
				nonce = uuid.NewString()
			}
			order := &auth.CreditOrder{
				Account:        common.HexToAddress(account),
				Token:          common.HexToAddress(token),
				Amount:         amount,
				Reference:      reference,
				Nonce:          nonce,
				ValidUntilSlot: validUntil,
			}
			if err := order.Sign(key); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), order)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "入账账户地址 (所有者、代理或金库)")
	cmd.Flags().StringVar(&token, "token", "", "代币地址，留空表示原生代币")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "入账数量，最小单位")
	cmd.Flags().StringVar(&reference, "reference", "", "外部凭证，例如充值交易哈希")
	cmd.Flags().StringVar(&nonce, "nonce", "", "一次性随机数，默认生成 UUID")
	cmd.Flags().Uint64Var(&validUntil, "valid-until", 0, "指令最后有效的 slot")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("valid-until")
	return cmd
}

func loadSignerKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(os.Getenv(envSignerKey)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", envSignerKey, err)
	}
	return key, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
