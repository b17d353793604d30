package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentShield/internal/auth"
	"AgentShield/internal/events"
	"AgentShield/internal/observability/metrics"
	"AgentShield/internal/vault"
	"AgentShield/internal/web3"
)

var (
	feeDest = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	token   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type fixture struct {
	server   *httptest.Server
	store    *vault.MemoryStore
	clock    *web3.ManualClock
	ownerKey *ecdsa.PrivateKey
	agentKey *ecdsa.PrivateKey
	operator *ecdsa.PrivateKey
	owner    common.Address
	agent    common.Address
	vault    common.Address
	nonce    int
}

func mustKey(t *testing.T, hex string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	return key
}

func newFixture(t *testing.T, opts ...vault.Option) *fixture {
	t.Helper()
	store := vault.NewMemoryStore()
	clock := web3.NewManualClock(web3.Tick{Slot: 100, Timestamp: 1_700_000_000})
	bus := events.NewMemoryBus(64)
	registry := metrics.New()

	engineOpts := append([]vault.Option{vault.WithEventSink(bus), vault.WithObserver(registry)}, opts...)
	engine, err := vault.NewEngine(store, clock, engineOpts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	operator := mustKey(t, "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	verifier, err := auth.NewVerifier(auth.Config{
		Operators: []string{crypto.PubkeyToAddress(operator.PublicKey).Hex()},
	}, clock, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	srv := NewServer(":0", engine, engine.Store(), clock, verifier,
		WithHistory(bus), WithMetrics(registry), WithCrediter(engine))

	f := &fixture{
		server:   httptest.NewServer(srv.Handler()),
		store:    store,
		clock:    clock,
		ownerKey: mustKey(t, "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"),
		agentKey: mustKey(t, "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"),
		operator: operator,
	}
	t.Cleanup(f.server.Close)
	f.owner = crypto.PubkeyToAddress(f.ownerKey.PublicKey)
	f.agent = crypto.PubkeyToAddress(f.agentKey.PublicKey)
	f.vault = vault.VaultAddress(f.owner, 1)
	return f
}

func (f *fixture) envelope(t *testing.T, key *ecdsa.PrivateKey, instructions ...auth.RawInstruction) *auth.Envelope {
	t.Helper()
	f.nonce++
	env := &auth.Envelope{
		Vault:          f.vault,
		Nonce:          fmt.Sprintf("nonce-%d", f.nonce),
		ValidUntilSlot: 120,
		Instructions:   instructions,
	}
	if err := env.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return env
}

func (f *fixture) submit(t *testing.T, env *auth.Envelope) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	resp, err := http.Post(f.server.URL+"/api/v1/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp, decode(t, resp)
}

func (f *fixture) credit(t *testing.T, key *ecdsa.PrivateKey, account, tok common.Address, amount uint64) (*http.Response, map[string]any) {
	t.Helper()
	f.nonce++
	order := &auth.CreditOrder{
		Account:        account,
		Token:          tok,
		Amount:         amount,
		Reference:      fmt.Sprintf("deposit-%d", f.nonce),
		Nonce:          fmt.Sprintf("nonce-%d", f.nonce),
		ValidUntilSlot: 120,
	}
	if err := order.Sign(key); err != nil {
		t.Fatalf("sign credit: %v", err)
	}
	return f.postCredit(t, order)
}

func (f *fixture) postCredit(t *testing.T, order *auth.CreditOrder) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(order)
	if err != nil {
		t.Fatalf("marshal credit: %v", err)
	}
	resp, err := http.Post(f.server.URL+"/api/v1/credits", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp, decode(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func raw(kind, params string) auth.RawInstruction {
	return auth.RawInstruction{Type: kind, Params: json.RawMessage(params)}
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// setupVault 创建金库并登记代理，同时准备会话押金与费用所需余额。
func (f *fixture) setupVault(t *testing.T) {
	t.Helper()
	create := f.envelope(t, f.ownerKey,
		raw("create_vault", fmt.Sprintf(`{"vault_id":1,"policy":{"daily_spending_cap":1000,"max_transaction_size":500,"max_concurrent_positions":1},"fee_destination":%q}`, feeDest.Hex())),
		raw("register_agent", fmt.Sprintf(`{"agent":%q}`, f.agent.Hex())),
	)
	resp, body := f.submit(t, create)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create vault: %d %v", resp.StatusCode, body)
	}
	if body["request_id"] == "" || body["receipt"] == nil {
		t.Fatalf("unexpected submit response: %v", body)
	}
	if err := f.store.Credit(context.Background(), f.agent, vault.NativeToken, 1_000_000_000); err != nil {
		t.Fatalf("credit agent: %v", err)
	}
	if err := f.store.Credit(context.Background(), f.vault, token, 10_000); err != nil {
		t.Fatalf("credit vault: %v", err)
	}
}

func TestSubmitAndQueryVault(t *testing.T) {
	f := newFixture(t)
	f.setupVault(t)

	swap := f.envelope(t, f.agentKey,
		raw("authorize", fmt.Sprintf(`{"action":"swap","token":%q,"amount":100}`, token.Hex())),
		raw("external", `{"label":"jupiter"}`),
		raw("finalize", `{"success":true}`),
	)
	resp, body := f.submit(t, swap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize: %d %v", resp.StatusCode, body)
	}

	base := "/api/v1/vaults/" + f.vault.Hex()
	resp, body = f.get(t, base)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get vault: %d %v", resp.StatusCode, body)
	}
	if body["status"] != "active" || body["total_transactions"] != float64(1) {
		t.Fatalf("unexpected vault: %v", body)
	}
	if !strings.EqualFold(body["agent"].(string), f.agent.Hex()) {
		t.Fatalf("agent not registered: %v", body)
	}

	resp, body = f.get(t, base+"/policy")
	if resp.StatusCode != http.StatusOK || body["max_transaction_size"] != float64(500) {
		t.Fatalf("unexpected policy: %d %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, base+"/tracker")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tracker: %d %v", resp.StatusCode, body)
	}
	rolling, _ := body["rolling_spend"].(map[string]any)
	if rolling[token.Hex()] != float64(100) {
		t.Fatalf("unexpected rolling spend: %v", body)
	}

	resp, body = f.get(t, base+"/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions: %d %v", resp.StatusCode, body)
	}
	if sessions, _ := body["sessions"].([]any); len(sessions) != 0 {
		t.Fatalf("finalized session should be released: %v", body)
	}

	resp, body = f.get(t, base+"/events?kind=vault_created,agent_registered")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %v", resp.StatusCode, body)
	}
	if list, _ := body["events"].([]any); len(list) != 2 {
		t.Fatalf("expected two lifecycle events, got %v", body)
	}

	resp, body = f.get(t, "/api/v1/vaults?owner="+f.owner.Hex())
	if list, _ := body["vaults"].([]any); resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list vaults: %d %v", resp.StatusCode, body)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.setupVault(t)

	tooLarge := f.envelope(t, f.agentKey,
		raw("authorize", fmt.Sprintf(`{"action":"swap","token":%q,"amount":600}`, token.Hex())),
	)
	resp, body := f.submit(t, tooLarge)
	if resp.StatusCode != http.StatusUnprocessableEntity || errorCode(body) != string(vault.CodeTransactionTooLarge) {
		t.Fatalf("policy denial: %d %v", resp.StatusCode, body)
	}

	resp, body = f.submit(t, tooLarge)
	if resp.StatusCode != http.StatusConflict || errorCode(body) != string(auth.CodeNonceReplayed) {
		t.Fatalf("replay: %d %v", resp.StatusCode, body)
	}

	forged := f.envelope(t, f.agentKey, raw("revoke_agent", `{}`))
	forged.Signer = f.owner
	resp, body = f.submit(t, forged)
	if resp.StatusCode != http.StatusForbidden || errorCode(body) != string(auth.CodeInvalidSignature) {
		t.Fatalf("forged signer: %d %v", resp.StatusCode, body)
	}

	intruder := f.envelope(t, f.agentKey, raw("revoke_agent", `{}`))
	resp, body = f.submit(t, intruder)
	if resp.StatusCode != http.StatusForbidden || errorCode(body) != string(vault.CodeUnauthorizedOwner) {
		t.Fatalf("agent revoking itself: %d %v", resp.StatusCode, body)
	}

	resp, err := http.Post(f.server.URL+"/api/v1/transactions", "application/json", strings.NewReader(`{"nonce":`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body = decode(t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["request_id"] == "" {
		t.Fatalf("malformed body: %d %v", resp.StatusCode, body)
	}
}

func TestQueryErrors(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/v1/vaults/"+f.vault.Hex())
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != string(vault.CodeVaultNotFound) {
		t.Fatalf("missing vault: %d %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/api/v1/vaults/not-an-address/policy")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad address: %d %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/api/v1/vaults?owner=")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing owner: %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/vaults/0x1", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body = decode(t, httpResp)
	if body["request_id"] != "req_fixed" || httpResp.Header.Get("X-Request-ID") != "req_fixed" {
		t.Fatalf("request id not echoed: %v", body)
	}
}

func TestAddresses(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, fmt.Sprintf("/api/v1/addresses?owner=%s&vault_id=1&agent=%s", f.owner.Hex(), f.agent.Hex()))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("addresses: %d %v", resp.StatusCode, body)
	}
	want := map[string]common.Address{
		"vault":   f.vault,
		"policy":  vault.PolicyAddress(f.vault),
		"tracker": vault.TrackerAddress(f.vault),
		"session": vault.SessionAddress(f.vault, f.agent),
	}
	for key, address := range want {
		got, _ := body[key].(string)
		if !strings.EqualFold(got, address.Hex()) {
			t.Fatalf("%s: got %s want %s", key, got, address.Hex())
		}
	}

	resp, _ = f.get(t, "/api/v1/addresses?owner="+f.owner.Hex()+"&vault_id=-1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative vault id should be rejected, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || body["slot"] != float64(100) {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}

	f.get(t, "/api/v1/vaults/"+f.vault.Hex())
	metricsResp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(metricsResp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), `handler="/api/v1/vaults/{address}`) {
		t.Fatalf("route pattern not recorded:\n%s", buf.String())
	}
}

func TestSubmitRequiresVerifier(t *testing.T) {
	store := vault.NewMemoryStore()
	clock := web3.NewManualClock(web3.Tick{Slot: 1})
	engine, err := vault.NewEngine(store, clock)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	srv := httptest.NewServer(NewServer(":0", engine, store, clock, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/transactions", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("unsigned submission must not be accepted")
	}
}

func TestCreditFundsDepositAndSettlement(t *testing.T) {
	limits := vault.DefaultLimits()
	limits.SessionDeposit = 1_000
	f := newFixture(t, vault.WithLimits(limits))

	create := f.envelope(t, f.ownerKey,
		raw("create_vault", fmt.Sprintf(`{"vault_id":1,"policy":{"daily_spending_cap":1000000,"max_transaction_size":100000,"max_concurrent_positions":1},"fee_destination":%q}`, feeDest.Hex())),
		raw("register_agent", fmt.Sprintf(`{"agent":%q}`, f.agent.Hex())),
	)
	if resp, body := f.submit(t, create); resp.StatusCode != http.StatusOK {
		t.Fatalf("create vault: %d %v", resp.StatusCode, body)
	}

	deposit := raw("deposit", fmt.Sprintf(`{"token":%q,"amount":100000}`, token.Hex()))
	if resp, body := f.submit(t, f.envelope(t, f.ownerKey, deposit)); resp.StatusCode != http.StatusConflict || errorCode(body) != "INSUFFICIENT_BALANCE" {
		t.Fatalf("unfunded deposit: %d %v", resp.StatusCode, body)
	}

	resp, body := f.credit(t, f.operator, f.owner, token, 100_000)
	if resp.StatusCode != http.StatusOK || body["receipt"] == nil {
		t.Fatalf("credit owner: %d %v", resp.StatusCode, body)
	}
	if resp, body := f.credit(t, f.operator, f.agent, vault.NativeToken, 1_000); resp.StatusCode != http.StatusOK {
		t.Fatalf("credit agent: %d %v", resp.StatusCode, body)
	}
	if resp, body := f.credit(t, f.ownerKey, f.owner, token, 1); resp.StatusCode != http.StatusForbidden || errorCode(body) != "AUTH_OPERATOR_REQUIRED" {
		t.Fatalf("owner must not credit itself: %d %v", resp.StatusCode, body)
	}

	order := &auth.CreditOrder{Account: f.owner, Token: token, Amount: 7, Nonce: "credit-once", ValidUntilSlot: 120}
	if err := order.Sign(f.operator); err != nil {
		t.Fatalf("sign credit: %v", err)
	}
	if resp, body := f.postCredit(t, order); resp.StatusCode != http.StatusOK {
		t.Fatalf("credit: %d %v", resp.StatusCode, body)
	}
	if resp, body := f.postCredit(t, order); resp.StatusCode != http.StatusConflict || errorCode(body) != "AUTH_NONCE_REPLAYED" {
		t.Fatalf("replayed credit: %d %v", resp.StatusCode, body)
	}

	if resp, body := f.submit(t, f.envelope(t, f.ownerKey, deposit)); resp.StatusCode != http.StatusOK {
		t.Fatalf("funded deposit: %d %v", resp.StatusCode, body)
	}
	swap := f.envelope(t, f.agentKey,
		raw("authorize", fmt.Sprintf(`{"action":"swap","token":%q,"amount":100000}`, token.Hex())),
		raw("external", `{"label":"jupiter"}`),
		raw("finalize", `{"success":true}`),
	)
	if resp, body := f.submit(t, swap); resp.StatusCode != http.StatusOK {
		t.Fatalf("swap: %d %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/api/v1/vaults/"+f.vault.Hex()+"/balances")
	balances, _ := body["balances"].(map[string]any)
	if resp.StatusCode != http.StatusOK || balances[token.Hex()] != float64(99_998) {
		t.Fatalf("unexpected vault balances: %d %v", resp.StatusCode, body)
	}
	ctx := context.Background()
	if fee, _ := f.store.Balance(ctx, vault.ProtocolTreasury, token); fee != 2 {
		t.Fatalf("protocol fee not collected: %d", fee)
	}
	if refunded, _ := f.store.Balance(ctx, f.agent, vault.NativeToken); refunded != 1_000 {
		t.Fatalf("session deposit not refunded: %d", refunded)
	}
	if leftover, _ := f.store.Balance(ctx, f.owner, token); leftover != 7 {
		t.Fatalf("unexpected owner balance: %d", leftover)
	}
}

func TestCreditRouteRequiresOperators(t *testing.T) {
	store := vault.NewMemoryStore()
	clock := web3.NewManualClock(web3.Tick{Slot: 100})
	engine, err := vault.NewEngine(store, clock)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.Config{}, clock, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	server := httptest.NewServer(NewServer(":0", engine, store, clock, verifier, WithCrediter(engine)).Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/v1/credits", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("credits must be disabled without operators")
	}
}
