package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/vault"
)

var (
	vaultKeys      = []string{"address"}
	vaultColumns   = []string{"owner", "vault_id", "status", "payload", "updated_at"}
	recordKeys     = []string{"vault"}
	recordColumns  = []string{"payload", "updated_at"}
	sessionColumns = []string{"vault", "agent", "expires_at_slot", "payload", "created_at"}
	balanceKeys    = []string{"account", "token"}
	balanceColumns = []string{"amount", "updated_at"}
)

// Store 使用 MySQL 或 SQLite 持久化金库记录，实现 vault.Store。
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var _ vault.Store = (*Store)(nil)

// Open 建立连接并执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, cfg, d)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: d, now: time.Now}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB 暴露连接池，供健康检查使用。
func (s *Store) DB() *sql.DB { return s.db }

// GetVault 实现 vault.Reader。
func (s *Store) GetVault(ctx context.Context, address common.Address) (*vault.Vault, error) {
	var v vault.Vault
	if err := s.loadPayload(ctx, `SELECT payload FROM vaults WHERE address = ?`, &v, vault.ErrVaultNotFound, address.Hex()); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetPolicy 实现 vault.Reader。
func (s *Store) GetPolicy(ctx context.Context, address common.Address) (*vault.Policy, error) {
	var p vault.Policy
	if err := s.loadPayload(ctx, `SELECT payload FROM vault_policies WHERE vault = ?`, &p, vault.ErrRecordMissing, address.Hex()); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetTracker 实现 vault.Reader。
func (s *Store) GetTracker(ctx context.Context, address common.Address) (*vault.SpendTracker, error) {
	var t vault.SpendTracker
	if err := s.loadPayload(ctx, `SELECT payload FROM vault_trackers WHERE vault = ?`, &t, vault.ErrRecordMissing, address.Hex()); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetSession 实现 vault.Reader。
func (s *Store) GetSession(ctx context.Context, address, agent common.Address) (*vault.Session, error) {
	var session vault.Session
	if err := s.loadPayload(ctx, `SELECT payload FROM vault_sessions WHERE vault = ? AND agent = ?`, &session, vault.ErrSessionNotFound, address.Hex(), agent.Hex()); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions 实现 vault.Reader。
func (s *Store) ListSessions(ctx context.Context, address common.Address) ([]*vault.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM vault_sessions WHERE vault = ? ORDER BY agent`, address.Hex())
	if err != nil {
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Agent.Cmp(sessions[j].Agent) < 0 })
	return sessions, nil
}

// ListExpiredSessions 实现 vault.Reader。
func (s *Store) ListExpiredSessions(ctx context.Context, slot uint64, limit int) ([]*vault.Session, error) {
	query := `SELECT payload FROM vault_sessions WHERE expires_at_slot < ? ORDER BY expires_at_slot, vault`
	args := []any{slotColumn(slot)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询过期会话失败: %w", err)
	}
	return scanSessions(rows)
}

// ListVaults 实现 vault.Reader。
func (s *Store) ListVaults(ctx context.Context, owner common.Address) ([]*vault.Vault, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM vaults WHERE owner = ?`, owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("查询金库列表失败: %w", err)
	}
	defer rows.Close()

	var vaults []*vault.Vault
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("解析金库记录失败: %w", err)
		}
		var v vault.Vault
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, fmt.Errorf("解码金库记录失败: %w", err)
		}
		vaults = append(vaults, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历金库记录失败: %w", err)
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].VaultID < vaults[j].VaultID })
	return vaults, nil
}

// Balance 实现 vault.Reader。
func (s *Store) Balance(ctx context.Context, account, token common.Address) (uint64, error) {
	return readBalance(ctx, s.db, account, token, "")
}

// Balances 实现 vault.Reader。
func (s *Store) Balances(ctx context.Context, account common.Address) (map[common.Address]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, amount FROM balances WHERE account = ?`, account.Hex())
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]uint64)
	for rows.Next() {
		var token, raw string
		if err := rows.Scan(&token, &raw); err != nil {
			return nil, fmt.Errorf("解析余额失败: %w", err)
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		if amount > 0 {
			out[common.HexToAddress(token)] = amount
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历余额失败: %w", err)
	}
	return out, nil
}

// Credit 实现 vault.Store。
func (s *Store) Credit(ctx context.Context, account, token common.Address, amount uint64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := readBalance(ctx, tx, account, token, s.dialect.lockSuffix)
	if err != nil {
		return err
	}
	next := current + amount
	if next < current {
		return vault.ErrOverflow
	}
	if err = s.writeBalance(ctx, tx, balanceKey{account: account, token: token}, next); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// Commit 在单个数据库事务内应用整批变更。
func (s *Store) Commit(ctx context.Context, changes *vault.ChangeSet) (err error) {
	if changes.Empty() {
		return nil
	}
	if changes.CreateVault && changes.PutVault == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "创建金库时缺少记录")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().Unix()
	if changes.PutVault != nil {
		if err = s.writeVault(ctx, tx, changes.PutVault, changes.CreateVault, now); err != nil {
			return err
		}
	}
	address := changes.Vault.Hex()
	switch {
	case changes.DeletePolicy:
		err = s.exec(ctx, tx, `DELETE FROM vault_policies WHERE vault = ?`, address)
	case changes.PutPolicy != nil:
		err = s.writeRecord(ctx, tx, "vault_policies", address, changes.PutPolicy, now)
	}
	if err != nil {
		return err
	}
	switch {
	case changes.DeleteTracker:
		err = s.exec(ctx, tx, `DELETE FROM vault_trackers WHERE vault = ?`, address)
	case changes.PutTracker != nil:
		err = s.writeRecord(ctx, tx, "vault_trackers", address, changes.PutTracker, now)
	}
	if err != nil {
		return err
	}

	for _, agent := range changes.DeleteSessions {
		if err = s.exec(ctx, tx, `DELETE FROM vault_sessions WHERE vault = ? AND agent = ?`, address, agent.Hex()); err != nil {
			return err
		}
	}
	for _, session := range changes.CreateSessions {
		if err = s.insertSession(ctx, tx, session, now); err != nil {
			return err
		}
	}

	if err = s.applyTransfers(ctx, tx, changes.Transfers); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadPayload(ctx context.Context, query string, out any, missing error, args ...any) error {
	var payload string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return missing
		}
		return fmt.Errorf("查询记录失败: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("解码记录失败: %w", err)
	}
	return nil
}

func scanSessions(rows *sql.Rows) ([]*vault.Session, error) {
	defer rows.Close()
	var sessions []*vault.Session
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("解析会话失败: %w", err)
		}
		var session vault.Session
		if err := json.Unmarshal([]byte(payload), &session); err != nil {
			return nil, fmt.Errorf("解码会话失败: %w", err)
		}
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历会话失败: %w", err)
	}
	return sessions, nil
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, stmt string, args ...any) error {
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("写入数据库失败: %w", err)
	}
	return nil
}

func (s *Store) writeVault(ctx context.Context, tx *sql.Tx, v *vault.Vault, create bool, now int64) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("编码金库记录失败: %w", err)
	}
	args := []any{v.Address.Hex(), v.Owner.Hex(), strconv.FormatUint(v.VaultID, 10), v.Status.String(), string(payload), now}
	if create {
		_, err = tx.ExecContext(ctx, s.dialect.insert("vaults", append(append([]string{}, vaultKeys...), vaultColumns...)), args...)
		if err != nil && s.dialect.duplicate(err) {
			return vault.ErrVaultExists
		}
	} else {
		_, err = tx.ExecContext(ctx, s.dialect.upsert("vaults", vaultKeys, vaultColumns), args...)
	}
	if err != nil {
		return fmt.Errorf("写入金库记录失败: %w", err)
	}
	return nil
}

func (s *Store) writeRecord(ctx context.Context, tx *sql.Tx, table, address string, record any, now int64) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("编码 %s 记录失败: %w", table, err)
	}
	return s.exec(ctx, tx, s.dialect.upsert(table, recordKeys, recordColumns), address, string(payload), now)
}

func (s *Store) insertSession(ctx context.Context, tx *sql.Tx, session *vault.Session, now int64) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("编码会话失败: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.dialect.insert("vault_sessions", sessionColumns),
		session.Vault.Hex(), session.Agent.Hex(), slotColumn(session.ExpiresAtSlot), string(payload), now)
	if err != nil {
		if s.dialect.duplicate(err) {
			return vault.ErrSessionExists
		}
		return fmt.Errorf("写入会话失败: %w", err)
	}
	return nil
}

type balanceKey struct {
	account common.Address
	token   common.Address
}

// applyTransfers 按固定顺序锁定涉及的余额行，模拟全部划转后再写回。
func (s *Store) applyTransfers(ctx context.Context, tx *sql.Tx, transfers []vault.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	seen := make(map[balanceKey]struct{})
	var keys []balanceKey
	for _, tr := range transfers {
		for _, key := range []balanceKey{{tr.From, tr.Token}, {tr.To, tr.Token}} {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := keys[i].account.Cmp(keys[j].account); c != 0 {
			return c < 0
		}
		return keys[i].token.Cmp(keys[j].token) < 0
	})

	original := make(map[balanceKey]uint64, len(keys))
	staged := make(map[balanceKey]uint64, len(keys))
	for _, key := range keys {
		amount, err := readBalance(ctx, tx, key.account, key.token, s.dialect.lockSuffix)
		if err != nil {
			return err
		}
		original[key] = amount
		staged[key] = amount
	}

	for _, tr := range transfers {
		from := balanceKey{tr.From, tr.Token}
		to := balanceKey{tr.To, tr.Token}
		if staged[from] < tr.Amount {
			return vault.ErrInsufficientBalance
		}
		staged[from] -= tr.Amount
		credited := staged[to] + tr.Amount
		if credited < staged[to] {
			return vault.ErrOverflow
		}
		staged[to] = credited
	}

	for _, key := range keys {
		if staged[key] == original[key] {
			continue
		}
		if err := s.writeBalance(ctx, tx, key, staged[key]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeBalance(ctx context.Context, tx *sql.Tx, key balanceKey, amount uint64) error {
	if amount == 0 {
		return s.exec(ctx, tx, `DELETE FROM balances WHERE account = ? AND token = ?`, key.account.Hex(), key.token.Hex())
	}
	return s.exec(ctx, tx, s.dialect.upsert("balances", balanceKeys, balanceColumns),
		key.account.Hex(), key.token.Hex(), strconv.FormatUint(amount, 10), s.now().Unix())
}

func readBalance(ctx context.Context, q queryer, account, token common.Address, suffix string) (uint64, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT amount FROM balances WHERE account = ? AND token = ?`+suffix, account.Hex(), token.Hex()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	return parseAmount(raw)
}

func parseAmount(raw string) (uint64, error) {
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("余额格式错误 %q: %w", raw, err)
	}
	return amount, nil
}

// slotColumn 将 slot 压缩到 BIGINT 可表示的范围。
func slotColumn(slot uint64) int64 {
	if slot > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(slot)
}
