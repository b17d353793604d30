package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"AgentShield/internal/auth"
	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/vault"
	"AgentShield/pkg/logger"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

var errBadAddress = xerrors.New(xerrors.CodeInvalidArgument, "invalid address")

type submitResponse struct {
	RequestID string         `json:"request_id"`
	Receipt   *vault.Receipt `json:"receipt"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	verified := auth.VerifiedFromContext(r.Context())
	if verified == nil {
		writeError(w, r, xerrors.New(xerrors.CodeUnauthenticated, "request is not signed"))
		return
	}
	receipt, err := s.executor.Execute(r.Context(), verified.Transaction)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{RequestID: requestIDFrom(r.Context()), Receipt: receipt})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var order auth.CreditOrder
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&order); err != nil {
		writeError(w, r, xerrors.Wrap(auth.CodeMalformedEnvelope, err, "decode credit order"))
		return
	}
	verified, err := s.verifier.VerifyCredit(r.Context(), &order)
	if err != nil {
		logger.Audit().Warn("credit_denied",
			"signer", order.Signer.Hex(),
			"account", order.Account.Hex(),
			"code", string(xerrors.CodeOf(err)),
			"request_id", requestIDFrom(r.Context()),
		)
		writeError(w, r, err)
		return
	}
	receipt, err := s.crediter.Credit(r.Context(), verified.Credit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{RequestID: requestIDFrom(r.Context()), Receipt: receipt})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tick, err := s.clock.Now(r.Context())
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeClockFailure, err, "read slot clock"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "slot": tick.Slot, "timestamp": tick.Timestamp})
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, ok := parseAddress(q.Get("owner"))
	if !ok {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "owner must be a hex address"))
		return
	}
	id, err := strconv.ParseUint(q.Get("vault_id"), 10, 64)
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "vault_id must be an unsigned integer"))
		return
	}
	address := vault.VaultAddress(owner, id)
	resp := map[string]common.Address{
		"vault":   address,
		"policy":  vault.PolicyAddress(address),
		"tracker": vault.TrackerAddress(address),
	}
	if raw := q.Get("agent"); raw != "" {
		agent, ok := parseAddress(raw)
		if !ok {
			writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "agent must be a hex address"))
			return
		}
		resp["session"] = vault.SessionAddress(address, agent)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListVaults(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "owner must be a hex address"))
		return
	}
	vaults, err := s.reader.ListVaults(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if vaults == nil {
		vaults = []*vault.Vault{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": vaults})
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	address, ok := vaultParam(w, r)
	if !ok {
		return
	}
	v, err := s.reader.GetVault(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	address, ok := vaultParam(w, r)
	if !ok {
		return
	}
	policy, err := s.reader.GetPolicy(r.Context(), address)
	if err != nil {
		writeError(w, r, notFoundIfMissing(err))
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

type trackerResponse struct {
	*vault.SpendTracker
	// RollingSpend 是当前窗口内各代币的占用额度。
	RollingSpend  map[string]uint64 `json:"rolling_spend"`
	WindowSeconds int64             `json:"window_seconds"`
	AsOf          int64             `json:"as_of"`
}

func (s *Server) handleGetTracker(w http.ResponseWriter, r *http.Request) {
	address, ok := vaultParam(w, r)
	if !ok {
		return
	}
	tracker, err := s.reader.GetTracker(r.Context(), address)
	if err != nil {
		writeError(w, r, notFoundIfMissing(err))
		return
	}
	tick, err := s.clock.Now(r.Context())
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeClockFailure, err, "read slot clock"))
		return
	}

	resp := trackerResponse{
		SpendTracker:  tracker,
		RollingSpend:  make(map[string]uint64),
		WindowSeconds: s.window,
		AsOf:          tick.Timestamp,
	}
	seen := make(map[common.Address]bool)
	for _, entry := range tracker.Entries {
		if seen[entry.Token] {
			continue
		}
		seen[entry.Token] = true
		spent, err := tracker.RollingSpend(entry.Token, tick.Timestamp, s.window)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if spent > 0 {
			resp.RollingSpend[entry.Token.Hex()] = spent
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	address, ok := vaultParam(w, r)
	if !ok {
		return
	}
	sessions, err := s.reader.ListSessions(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*vault.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	address, ok := vaultParam(w, r)
	if !ok {
		return
	}
	balances, err := s.reader.Balances(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make(map[string]uint64, len(balances))
	for token, amount := range balances {
		out[token.Hex()] = amount
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": address, "balances": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	address, ok := vaultParam(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, r, xerrors.New(xerrors.CodeNotFound, "event history is not enabled"))
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxEventLimit)
		}
	}
	var kinds map[vault.EventKind]bool
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kinds = make(map[vault.EventKind]bool)
		for _, k := range strings.Split(raw, ",") {
			kinds[vault.EventKind(strings.TrimSpace(k))] = true
		}
	}
	events := s.history.History(func(ev vault.Event) bool {
		return ev.Vault == address && (kinds == nil || kinds[ev.Kind])
	}, limit)
	if events == nil {
		events = []vault.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func vaultParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	address, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, r, errBadAddress)
		return common.Address{}, false
	}
	return address, true
}

func parseAddress(raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// notFoundIfMissing 把已关闭金库缺失的附属记录视为 404，而非完整性错误。
func notFoundIfMissing(err error) error {
	if xerrors.CodeOf(err) == vault.CodeRecordMissing {
		return xerrors.Wrap(xerrors.CodeNotFound, err, "record not found")
	}
	return err
}
