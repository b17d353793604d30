package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentShield/internal/errors"
	"AgentShield/internal/observability/alerting"
	"AgentShield/internal/web3"
)

var (
	testOwner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testAgent    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	testFeeDest  = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	testStranger = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testProtocol = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingSink) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *MemoryStore
	clock  *web3.ManualClock
	sink   *recordingSink
	alerts *recordingDispatcher
	engine *Engine
	vault  common.Address
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  NewMemoryStore(),
		clock:  web3.NewManualClock(web3.Tick{Slot: 100, Timestamp: 1_700_000_000}),
		sink:   &recordingSink{},
		alerts: &recordingDispatcher{},
	}
	base := []Option{WithEventSink(f.sink), WithAlertDispatcher(f.alerts)}
	engine, err := NewEngine(f.store, f.clock, append(base, opts...)...)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func defaultParams() PolicyParams {
	return PolicyParams{
		DailySpendingCap:       200,
		MaxTransactionSize:     150,
		AllowedTokens:          []common.Address{testToken},
		AllowedProtocols:       []common.Address{testProtocol},
		MaxLeverageBps:         500,
		MaxConcurrentPositions: 3,
	}
}

// setup 创建金库并登记代理。
func (f *fixture) setup(params PolicyParams) {
	f.t.Helper()
	_, err := f.engine.CreateVault(f.ctx, testOwner, CreateVault{VaultID: 7, Policy: params, FeeDestination: testFeeDest})
	require.NoError(f.t, err)
	f.vault = VaultAddress(testOwner, 7)
	_, err = f.engine.RegisterAgent(f.ctx, testOwner, f.vault, testAgent)
	require.NoError(f.t, err)
}

func (f *fixture) authorize(action ActionKind, amount uint64) (*Receipt, error) {
	return f.engine.Authorize(f.ctx, testAgent, f.vault, Authorize{
		Action:   action,
		Token:    testToken,
		Protocol: testProtocol,
		Amount:   amount,
	})
}

func (f *fixture) finalize(success bool) (*Receipt, error) {
	return f.engine.Finalize(f.ctx, testAgent, f.vault, Finalize{Success: success})
}

func (f *fixture) roundTrip(action ActionKind, amount uint64) {
	f.t.Helper()
	_, err := f.authorize(action, amount)
	require.NoError(f.t, err)
	_, err = f.finalize(true)
	require.NoError(f.t, err)
}

func (f *fixture) loadVault() *Vault {
	f.t.Helper()
	v, err := f.store.GetVault(f.ctx, f.vault)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) balance(account common.Address, token common.Address) uint64 {
	f.t.Helper()
	amount, err := f.store.Balance(f.ctx, account, token)
	require.NoError(f.t, err)
	return amount
}

func u16(v uint16) *uint16 { return &v }

func TestCreateVaultInitialisesRecords(t *testing.T) {
	f := newFixture(t)
	receipt, err := f.engine.CreateVault(f.ctx, testOwner, CreateVault{VaultID: 7, Policy: defaultParams(), FeeDestination: testFeeDest})
	require.NoError(t, err)
	f.vault = VaultAddress(testOwner, 7)

	v := f.loadVault()
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, testOwner, v.Owner)
	assert.False(t, v.HasAgent())
	assert.Equal(t, int64(1_700_000_000), v.CreatedAt)

	policy, err := f.store.GetPolicy(f.ctx, f.vault)
	require.NoError(t, err)
	assert.True(t, policy.CanOpenPositions)
	assert.Equal(t, uint64(200), policy.DailySpendingCap)

	tracker, err := f.store.GetTracker(f.ctx, f.vault)
	require.NoError(t, err)
	assert.Empty(t, tracker.Entries)
	assert.Equal(t, DefaultAuditCapacity, tracker.Recent.Capacity())

	require.Len(t, receipt.Events, 1)
	assert.Equal(t, EventVaultCreated, receipt.Events[0].Kind)
	assert.Equal(t, []EventKind{EventVaultCreated}, f.sink.kinds())
}

func TestCreateVaultRejections(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	_, err := f.engine.CreateVault(f.ctx, testOwner, CreateVault{VaultID: 7, Policy: defaultParams(), FeeDestination: testFeeDest})
	require.ErrorIs(t, err, ErrVaultExists)

	_, err = f.engine.CreateVault(f.ctx, testOwner, CreateVault{VaultID: 8, Policy: defaultParams()})
	require.ErrorIs(t, err, ErrInvalidFeeDestination)

	params := defaultParams()
	params.DeveloperFeeRate = MaxDeveloperFeeRate + 1
	_, err = f.engine.CreateVault(f.ctx, testOwner, CreateVault{VaultID: 9, Policy: params, FeeDestination: testFeeDest})
	require.ErrorIs(t, err, ErrDeveloperFeeTooHigh)

	params = defaultParams()
	params.AllowedTokens = make([]common.Address, MaxAllowedTokens+1)
	_, err = f.engine.CreateVault(f.ctx, testOwner, CreateVault{VaultID: 10, Policy: params, FeeDestination: testFeeDest})
	require.ErrorIs(t, err, ErrTooManyAllowedTokens)

	_, err = f.engine.Execute(f.ctx, Transaction{
		Signer:       testStranger,
		Vault:        VaultAddress(testOwner, 11),
		Instructions: []Instruction{CreateVault{VaultID: 11, Policy: defaultParams(), FeeDestination: testFeeDest}},
	})
	require.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = f.store.GetVault(f.ctx, VaultAddress(testOwner, 9))
	require.ErrorIs(t, err, ErrVaultNotFound)
}

func TestRegisterAgentRules(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateVault(f.ctx, testOwner, CreateVault{VaultID: 7, Policy: defaultParams(), FeeDestination: testFeeDest})
	require.NoError(t, err)
	f.vault = VaultAddress(testOwner, 7)

	_, err = f.engine.RegisterAgent(f.ctx, testStranger, f.vault, testAgent)
	require.ErrorIs(t, err, ErrUnauthorizedOwner)
	_, err = f.engine.RegisterAgent(f.ctx, testOwner, f.vault, common.Address{})
	require.ErrorIs(t, err, ErrInvalidAgentKey)
	_, err = f.engine.RegisterAgent(f.ctx, testOwner, f.vault, testOwner)
	require.ErrorIs(t, err, ErrAgentIsOwner)

	_, err = f.engine.RegisterAgent(f.ctx, testOwner, f.vault, testAgent)
	require.NoError(t, err)
	_, err = f.engine.RegisterAgent(f.ctx, testOwner, f.vault, testStranger)
	require.ErrorIs(t, err, ErrAgentAlreadyRegistered)
	assert.Equal(t, testAgent, f.loadVault().Agent)
}

func TestAuthorizePolicyChecks(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())
	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	cases := []struct {
		name string
		req  Authorize
		want error
	}{
		{"token", Authorize{Action: ActionSwap, Token: other, Protocol: testProtocol, Amount: 10}, ErrTokenNotAllowed},
		{"protocol", Authorize{Action: ActionSwap, Token: testToken, Protocol: other, Amount: 10}, ErrProtocolNotAllowed},
		{"zero amount", Authorize{Action: ActionSwap, Token: testToken, Protocol: testProtocol}, ErrInvalidAmount},
		{"too large", Authorize{Action: ActionSwap, Token: testToken, Protocol: testProtocol, Amount: 151}, ErrTransactionTooLarge},
		{"leverage", Authorize{Action: ActionOpenPosition, Token: testToken, Protocol: testProtocol, Amount: 10, LeverageBps: u16(501)}, ErrLeverageTooHigh},
		{"unknown action", Authorize{Action: ActionKind(99), Token: testToken, Protocol: testProtocol, Amount: 10}, ErrInvalidAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Authorize(f.ctx, testAgent, f.vault, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.engine.Authorize(f.ctx, testStranger, f.vault, Authorize{Action: ActionSwap, Token: testToken, Protocol: testProtocol, Amount: 10})
	require.ErrorIs(t, err, ErrUnauthorizedAgent)

	sessions, err := f.store.ListSessions(f.ctx, f.vault)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	tracker, err := f.store.GetTracker(f.ctx, f.vault)
	require.NoError(t, err)
	assert.Empty(t, tracker.Entries)

	_, err = f.engine.Authorize(f.ctx, testAgent, f.vault, Authorize{Action: ActionOpenPosition, Token: testToken, Protocol: testProtocol, Amount: 10, LeverageBps: u16(500)})
	require.NoError(t, err)
	session, err := f.store.GetSession(f.ctx, f.vault, testAgent)
	require.NoError(t, err)
	require.NotNil(t, session.LeverageBps)
	assert.Equal(t, uint16(500), *session.LeverageBps)
	assert.Equal(t, uint64(120), session.ExpiresAtSlot)
}

func TestAuthorizeDeniedEventsArePublished(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	_, err := f.authorize(ActionSwap, 151)
	require.ErrorIs(t, err, ErrTransactionTooLarge)

	var denied *Event
	f.sink.mu.Lock()
	for i := range f.sink.events {
		if f.sink.events[i].Kind == EventActionDenied {
			denied = &f.sink.events[i]
		}
	}
	f.sink.mu.Unlock()
	require.NotNil(t, denied)
	payload, ok := denied.Payload.(ActionDenied)
	require.True(t, ok)
	assert.Equal(t, string(CodeTransactionTooLarge), payload.Code)
	assert.Equal(t, uint64(151), payload.Amount)
}

func TestRollingDailyCap(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	f.roundTrip(ActionSwap, 50)
	f.roundTrip(ActionSwap, 100)

	_, err := f.authorize(ActionSwap, 100)
	require.ErrorIs(t, err, ErrDailyCapExceeded)
	tracker, err := f.store.GetTracker(f.ctx, f.vault)
	require.NoError(t, err)
	rolling, err := tracker.RollingSpend(testToken, 1_700_000_000, DefaultRollingWindowSeconds)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), rolling)

	// 窗口滑过之后旧的占用不再计入。
	f.clock.Advance(1, DefaultRollingWindowSeconds+1)
	f.roundTrip(ActionSwap, 100)

	v := f.loadVault()
	assert.Equal(t, uint64(3), v.TotalTransactions)
	assert.Equal(t, uint64(250), v.TotalVolume)
}

func TestFailedFinalizeKeepsReservation(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	_, err := f.authorize(ActionSwap, 150)
	require.NoError(t, err)
	_, err = f.finalize(false)
	require.NoError(t, err)

	v := f.loadVault()
	assert.Zero(t, v.TotalTransactions)
	assert.Zero(t, v.TotalVolume)

	tracker, err := f.store.GetTracker(f.ctx, f.vault)
	require.NoError(t, err)
	records := tracker.Recent.Records()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)

	_, err = f.authorize(ActionSwap, 100)
	require.ErrorIs(t, err, ErrDailyCapExceeded)
}

func TestConcurrentPositionBound(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	for i := 0; i < 3; i++ {
		f.roundTrip(ActionOpenPosition, 10)
	}
	assert.Equal(t, uint8(3), f.loadVault().OpenPositions)

	_, err := f.authorize(ActionOpenPosition, 10)
	require.ErrorIs(t, err, ErrTooManyPositions)

	// 非开仓动作不受持仓上限影响。
	f.roundTrip(ActionIncreasePosition, 10)
	f.roundTrip(ActionClosePosition, 10)
	assert.Equal(t, uint8(2), f.loadVault().OpenPositions)
	f.roundTrip(ActionOpenPosition, 10)
	assert.Equal(t, uint8(3), f.loadVault().OpenPositions)

	_, err = f.engine.UpdatePolicy(f.ctx, testOwner, f.vault, PolicyPatch{CanOpenPositions: new(bool)})
	require.NoError(t, err)
	_, err = f.authorize(ActionOpenPosition, 10)
	require.ErrorIs(t, err, ErrPositionOpeningDisallowed)

	_, err = f.engine.CloseVault(f.ctx, testOwner, f.vault)
	require.ErrorIs(t, err, ErrOpenPositionsExist)
}

func TestClosePositionSaturatesAtZero(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())
	f.roundTrip(ActionClosePosition, 10)
	assert.Zero(t, f.loadVault().OpenPositions)
}

func TestSessionUniqueness(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	_, err := f.authorize(ActionSwap, 10)
	require.NoError(t, err)
	_, err = f.authorize(ActionSwap, 10)
	require.ErrorIs(t, err, ErrSessionExists)

	_, err = f.finalize(true)
	require.NoError(t, err)
	_, err = f.finalize(true)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentAuthorizeOpensOneSession(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.authorize(ActionSwap, 10)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSessionExists):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, conflicts)

	tracker, err := f.store.GetTracker(f.ctx, f.vault)
	require.NoError(t, err)
	assert.Len(t, tracker.Entries, 1)
}

func TestComposedTransactionIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())
	auth := Authorize{Action: ActionSwap, Token: testToken, Protocol: testProtocol, Amount: 40}

	failing := External{Label: "swap", Run: func(context.Context, ActionContext) error {
		return errors.New("slippage exceeded")
	}}
	_, err := f.engine.Execute(f.ctx, Compose(testAgent, f.vault, auth, []External{failing}, Finalize{Success: true}))
	require.Error(t, err)
	assert.Equal(t, CodeExternalActionError, xerrors.CodeOf(err))

	_, err = f.store.GetSession(f.ctx, f.vault, testAgent)
	require.ErrorIs(t, err, ErrSessionNotFound)
	tracker, err := f.store.GetTracker(f.ctx, f.vault)
	require.NoError(t, err)
	assert.Empty(t, tracker.Entries)
	assert.Zero(t, tracker.Recent.Len())
	assert.Zero(t, f.loadVault().TotalTransactions)

	var seen ActionContext
	ok := External{Label: "swap", Run: func(_ context.Context, action ActionContext) error {
		seen = action
		return nil
	}}
	receipt, err := f.engine.Execute(f.ctx, Compose(testAgent, f.vault, auth, []External{ok}, Finalize{Success: true}))
	require.NoError(t, err)
	assert.Equal(t, receipt.TxID, seen.TxID)
	assert.Equal(t, testAgent, seen.Signer)

	_, err = f.store.GetSession(f.ctx, f.vault, testAgent)
	require.ErrorIs(t, err, ErrSessionNotFound)
	v := f.loadVault()
	assert.Equal(t, uint64(1), v.TotalTransactions)
	assert.Equal(t, uint64(40), v.TotalVolume)

	kinds := make([]EventKind, 0, len(receipt.Events))
	for _, ev := range receipt.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventActionAuthorized, EventSessionFinalized}, kinds)
}

func TestFeesOnSuccessfulFinalize(t *testing.T) {
	f := newFixture(t)
	params := defaultParams()
	params.DailySpendingCap = 20_000_000
	params.MaxTransactionSize = 10_000_000
	params.DeveloperFeeRate = 50
	f.setup(params)

	require.NoError(t, f.store.Credit(f.ctx, testOwner, testToken, 10_000_000))
	_, err := f.engine.Deposit(f.ctx, testOwner, f.vault, testToken, 10_000_000)
	require.NoError(t, err)

	_, err = f.authorize(ActionSwap, 10_000_000)
	require.NoError(t, err)
	receipt, err := f.finalize(true)
	require.NoError(t, err)

	assert.Equal(t, uint64(200), f.balance(ProtocolTreasury, testToken))
	assert.Equal(t, uint64(500), f.balance(testFeeDest, testToken))
	assert.Equal(t, uint64(10_000_000-700), f.balance(f.vault, testToken))

	v := f.loadVault()
	assert.Equal(t, uint64(500), v.TotalFeesCollected)
	assert.Equal(t, uint64(1), v.TotalTransactions)
	assert.Equal(t, uint64(10_000_000), v.TotalVolume)

	var fees *FeesCollected
	for _, ev := range receipt.Events {
		if payload, ok := ev.Payload.(FeesCollected); ok {
			fees = &payload
		}
	}
	require.NotNil(t, fees)
	assert.Equal(t, uint64(200), fees.ProtocolFee)
	assert.Equal(t, uint64(500), fees.DeveloperFee)
	assert.Equal(t, uint64(500), fees.CumulativeDeveloperFeeSum)

	// 开发者费率为 0 时只收取协议费。
	_, err = f.engine.UpdatePolicy(f.ctx, testOwner, f.vault, PolicyPatch{DeveloperFeeRate: u16(0)})
	require.NoError(t, err)
	f.roundTrip(ActionSwap, 10_000_000)
	assert.Equal(t, uint64(500), f.loadVault().TotalFeesCollected)
	assert.Equal(t, uint64(400), f.balance(ProtocolTreasury, testToken))
	assert.Equal(t, uint64(500), f.balance(testFeeDest, testToken))
}

func TestFinalizeRejectsWrongAccounts(t *testing.T) {
	f := newFixture(t)
	params := defaultParams()
	params.DailySpendingCap = 20_000_000
	params.MaxTransactionSize = 10_000_000
	params.DeveloperFeeRate = 50
	f.setup(params)
	require.NoError(t, f.store.Credit(f.ctx, f.vault, testToken, 10_000_000))

	_, err := f.authorize(ActionSwap, 10_000_000)
	require.NoError(t, err)

	wrong := testStranger
	_, err = f.engine.Finalize(f.ctx, testAgent, f.vault, Finalize{Success: true, ProtocolTreasury: &wrong})
	require.ErrorIs(t, err, ErrInvalidProtocolTreasury)
	_, err = f.engine.Finalize(f.ctx, testAgent, f.vault, Finalize{Success: true, FeeDestination: &wrong})
	require.ErrorIs(t, err, ErrInvalidFeeDestination)
	_, err = f.engine.Finalize(f.ctx, testAgent, f.vault, Finalize{Success: true, RentRecipient: &wrong})
	require.ErrorIs(t, err, ErrInvalidSession)

	treasury, dest, agent := ProtocolTreasury, testFeeDest, testAgent
	_, err = f.engine.Finalize(f.ctx, testAgent, f.vault, Finalize{Success: true, ProtocolTreasury: &treasury, FeeDestination: &dest, RentRecipient: &agent})
	require.NoError(t, err)
}

func TestFinalizeFailsWhenFeesCannotBePaid(t *testing.T) {
	f := newFixture(t)
	params := defaultParams()
	params.DailySpendingCap = 20_000_000
	params.MaxTransactionSize = 10_000_000
	f.setup(params)

	_, err := f.authorize(ActionSwap, 10_000_000)
	require.NoError(t, err)
	_, err = f.finalize(true)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// 失败的结算不会消耗会话，可以按失败结算释放。
	_, err = f.finalize(false)
	require.NoError(t, err)
}

func TestExpiredSessionIsPermissionlessAndForcedToFail(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	_, err := f.authorize(ActionOpenPosition, 10)
	require.NoError(t, err)

	_, err = f.engine.Finalize(f.ctx, testStranger, f.vault, Finalize{Agent: testAgent, Success: true})
	require.ErrorIs(t, err, ErrUnauthorizedAgent)

	// 恰好在过期 slot 上仍然有效。
	f.clock.Advance(DefaultSessionExpirySlots, 10)
	_, err = f.engine.Finalize(f.ctx, testStranger, f.vault, Finalize{Agent: testAgent, Success: true})
	require.ErrorIs(t, err, ErrUnauthorizedAgent)

	f.clock.Advance(1, 1)
	receipt, err := f.engine.Finalize(f.ctx, testStranger, f.vault, Finalize{Agent: testAgent, Success: true})
	require.NoError(t, err)
	require.Len(t, receipt.Events, 1)
	payload, ok := receipt.Events[0].Payload.(SessionFinalized)
	require.True(t, ok)
	assert.True(t, payload.Expired)
	assert.False(t, payload.Success)
	assert.Equal(t, testStranger, payload.Caller)

	v := f.loadVault()
	assert.Zero(t, v.OpenPositions)
	assert.Zero(t, v.TotalTransactions)
	_, err = f.store.GetSession(f.ctx, f.vault, testAgent)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionDepositIsHeldAndRefunded(t *testing.T) {
	limits := DefaultLimits()
	limits.SessionDeposit = 5
	f := newFixture(t, WithLimits(limits))
	f.setup(defaultParams())
	escrow := SessionAddress(f.vault, testAgent)

	_, err := f.authorize(ActionSwap, 10)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = f.store.GetSession(f.ctx, f.vault, testAgent)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, f.store.Credit(f.ctx, testAgent, NativeToken, 5))
	_, err = f.authorize(ActionSwap, 10)
	require.NoError(t, err)
	assert.Zero(t, f.balance(testAgent, NativeToken))
	assert.Equal(t, uint64(5), f.balance(escrow, NativeToken))

	_, err = f.finalize(true)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.balance(testAgent, NativeToken))
	assert.Zero(t, f.balance(escrow, NativeToken))
}

func TestRevokeFreezesAndReactivateRestores(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	_, err := f.engine.RevokeAgent(f.ctx, testStranger, f.vault)
	require.ErrorIs(t, err, ErrUnauthorizedOwner)

	_, err = f.engine.RevokeAgent(f.ctx, testOwner, f.vault)
	require.NoError(t, err)
	_, err = f.engine.RevokeAgent(f.ctx, testOwner, f.vault)
	require.NoError(t, err)

	v := f.loadVault()
	assert.Equal(t, StatusFrozen, v.Status)
	assert.False(t, v.HasAgent())

	f.alerts.mu.Lock()
	require.NotEmpty(t, f.alerts.events)
	assert.Equal(t, xerrors.Code("AGENT_REVOKED"), f.alerts.events[0].Code)
	assert.Equal(t, testAgent.Hex(), f.alerts.events[0].Metadata["agent"])
	f.alerts.mu.Unlock()

	_, err = f.authorize(ActionSwap, 10)
	require.ErrorIs(t, err, ErrVaultNotActive)
	assert.Contains(t, f.sink.kinds(), EventActionDenied)

	// 冻结期间所有者仍可出金。
	require.NoError(t, f.store.Credit(f.ctx, f.vault, testToken, 30))
	_, err = f.engine.Withdraw(f.ctx, testOwner, f.vault, testToken, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), f.balance(testOwner, testToken))

	replacement := testStranger
	_, err = f.engine.ReactivateVault(f.ctx, testOwner, f.vault, &replacement)
	require.NoError(t, err)
	v = f.loadVault()
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, replacement, v.Agent)

	_, err = f.engine.ReactivateVault(f.ctx, testOwner, f.vault, nil)
	require.ErrorIs(t, err, ErrVaultNotFrozen)

	_, err = f.engine.Authorize(f.ctx, replacement, f.vault, Authorize{Action: ActionSwap, Token: testToken, Protocol: testProtocol, Amount: 10})
	require.NoError(t, err)
}

func TestReactivateWithoutAgentRequiresRegistration(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	_, err := f.engine.RevokeAgent(f.ctx, testOwner, f.vault)
	require.NoError(t, err)
	_, err = f.engine.ReactivateVault(f.ctx, testOwner, f.vault, nil)
	require.NoError(t, err)

	_, err = f.authorize(ActionSwap, 10)
	require.ErrorIs(t, err, ErrNoAgentRegistered)

	_, err = f.engine.RegisterAgent(f.ctx, testOwner, f.vault, testAgent)
	require.NoError(t, err)
	_, err = f.authorize(ActionSwap, 10)
	require.NoError(t, err)
}

func TestUpdatePolicyValidation(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	capValue := uint64(1_000)
	_, err := f.engine.UpdatePolicy(f.ctx, testStranger, f.vault, PolicyPatch{DailySpendingCap: &capValue})
	require.ErrorIs(t, err, ErrUnauthorizedOwner)

	tooMany := make([]common.Address, MaxAllowedProtocols+1)
	_, err = f.engine.UpdatePolicy(f.ctx, testOwner, f.vault, PolicyPatch{DailySpendingCap: &capValue, AllowedProtocols: &tooMany})
	require.ErrorIs(t, err, ErrTooManyAllowedProtocols)

	policy, err := f.store.GetPolicy(f.ctx, f.vault)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), policy.DailySpendingCap)

	empty := []common.Address{}
	_, err = f.engine.UpdatePolicy(f.ctx, testOwner, f.vault, PolicyPatch{DailySpendingCap: &capValue, AllowedTokens: &empty})
	require.NoError(t, err)
	policy, err = f.store.GetPolicy(f.ctx, f.vault)
	require.NoError(t, err)
	assert.Equal(t, capValue, policy.DailySpendingCap)
	assert.Empty(t, policy.AllowedTokens)
	assert.Equal(t, []common.Address{testProtocol}, policy.AllowedProtocols)

	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	_, err = f.engine.Authorize(f.ctx, testAgent, f.vault, Authorize{Action: ActionSwap, Token: other, Protocol: testProtocol, Amount: 10})
	require.NoError(t, err)
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	_, err := f.engine.Deposit(f.ctx, testOwner, f.vault, testToken, 10)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = f.engine.Deposit(f.ctx, testOwner, f.vault, testToken, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	require.NoError(t, f.store.Credit(f.ctx, testOwner, testToken, 100))
	_, err = f.engine.Deposit(f.ctx, testOwner, f.vault, testToken, 60)
	require.NoError(t, err)
	_, err = f.engine.Withdraw(f.ctx, testAgent, f.vault, testToken, 10)
	require.ErrorIs(t, err, ErrUnauthorizedOwner)
	_, err = f.engine.Withdraw(f.ctx, testOwner, f.vault, testToken, 61)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = f.engine.Withdraw(f.ctx, testOwner, f.vault, testToken, 20)
	require.NoError(t, err)

	assert.Equal(t, uint64(40), f.balance(f.vault, testToken))
	assert.Equal(t, uint64(60), f.balance(testOwner, testToken))
}

func TestCloseVaultSweepsAndLeavesTombstone(t *testing.T) {
	limits := DefaultLimits()
	limits.SessionDeposit = 3
	f := newFixture(t, WithLimits(limits))
	f.setup(defaultParams())

	require.NoError(t, f.store.Credit(f.ctx, testOwner, testToken, 80))
	_, err := f.engine.Deposit(f.ctx, testOwner, f.vault, testToken, 80)
	require.NoError(t, err)
	require.NoError(t, f.store.Credit(f.ctx, testAgent, NativeToken, 3))
	_, err = f.authorize(ActionSwap, 10)
	require.NoError(t, err)

	_, err = f.engine.CloseVault(f.ctx, testAgent, f.vault)
	require.ErrorIs(t, err, ErrUnauthorizedOwner)

	receipt, err := f.engine.CloseVault(f.ctx, testOwner, f.vault)
	require.NoError(t, err)
	require.Len(t, receipt.Events, 1)
	closed, ok := receipt.Events[0].Payload.(VaultClosed)
	require.True(t, ok)
	assert.Equal(t, uint64(80), closed.Swept[testToken.Hex()])

	v := f.loadVault()
	assert.Equal(t, StatusClosed, v.Status)
	assert.False(t, v.HasAgent())
	assert.Equal(t, uint64(80), f.balance(testOwner, testToken))
	assert.Zero(t, f.balance(f.vault, testToken))
	assert.Equal(t, uint64(3), f.balance(testAgent, NativeToken))

	_, err = f.store.GetPolicy(f.ctx, f.vault)
	require.ErrorIs(t, err, ErrRecordMissing)
	_, err = f.store.GetTracker(f.ctx, f.vault)
	require.ErrorIs(t, err, ErrRecordMissing)
	sessions, err := f.store.ListSessions(f.ctx, f.vault)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = f.engine.Deposit(f.ctx, testOwner, f.vault, testToken, 1)
	require.ErrorIs(t, err, ErrVaultAlreadyClosed)
	_, err = f.engine.CloseVault(f.ctx, testOwner, f.vault)
	require.ErrorIs(t, err, ErrVaultAlreadyClosed)
	_, err = f.authorize(ActionSwap, 10)
	require.ErrorIs(t, err, ErrVaultNotActive)
	_, err = f.engine.CreateVault(f.ctx, testOwner, CreateVault{VaultID: 7, Policy: defaultParams(), FeeDestination: testFeeDest})
	require.ErrorIs(t, err, ErrVaultExists)
}

func TestAuditLogKeepsMostRecent(t *testing.T) {
	limits := DefaultLimits()
	limits.AuditCapacity = 3
	f := newFixture(t, WithLimits(limits))
	params := defaultParams()
	params.DailySpendingCap = 1_000
	f.setup(params)

	for i := uint64(1); i <= 5; i++ {
		f.roundTrip(ActionSwap, i)
	}
	tracker, err := f.store.GetTracker(f.ctx, f.vault)
	require.NoError(t, err)
	records := tracker.Recent.Records()
	require.Len(t, records, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{records[0].Amount, records[1].Amount, records[2].Amount})
}

type failingClock struct{}

func (failingClock) Now(context.Context) (web3.Tick, error) {
	return web3.Tick{}, errors.New("rpc down")
}

func TestEngineWrapsInfrastructureErrors(t *testing.T) {
	engine, err := NewEngine(NewMemoryStore(), failingClock{})
	require.NoError(t, err)
	_, err = engine.CreateVault(context.Background(), testOwner, CreateVault{VaultID: 1, Policy: defaultParams(), FeeDestination: testFeeDest})
	assert.Equal(t, xerrors.CodeClockFailure, xerrors.CodeOf(err))

	_, err = NewEngine(nil, failingClock{})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))

	_, err = engine.Execute(context.Background(), Transaction{Signer: testOwner, Vault: testOwner})
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestLockWaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.setup(defaultParams())

	locker := NewLocalLocker()
	engine, err := NewEngine(f.store, f.clock, WithLocker(locker))
	require.NoError(t, err)
	unlock, err := locker.Lock(f.ctx, f.vault.Hex())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = engine.Authorize(ctx, testAgent, f.vault, Authorize{Action: ActionSwap, Token: testToken, Protocol: testProtocol, Amount: 10})
	assert.Equal(t, xerrors.CodeLockFailure, xerrors.CodeOf(err))
}

func TestCreditFundsDepositAndFees(t *testing.T) {
	f := newFixture(t)
	params := defaultParams()
	params.DailySpendingCap = 20_000_000
	params.MaxTransactionSize = 10_000_000
	f.setup(params)
	operator := testStranger

	_, err := f.engine.Credit(f.ctx, Credit{Operator: operator, Account: testOwner, Token: testToken})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.engine.Credit(f.ctx, Credit{Operator: operator, Token: testToken, Amount: 1})
	require.ErrorIs(t, err, ErrInvalidTransaction)
	_, err = f.engine.Credit(f.ctx, Credit{Account: testOwner, Token: testToken, Amount: 1})
	require.ErrorIs(t, err, ErrInvalidTransaction)

	receipt, err := f.engine.Credit(f.ctx, Credit{Operator: operator, Account: testOwner, Token: testToken, Amount: 1_000, Reference: "0xdeposit"})
	require.NoError(t, err)
	require.Len(t, receipt.Events, 1)
	credited, ok := receipt.Events[0].Payload.(AccountCredited)
	require.True(t, ok)
	assert.Equal(t, uint64(1_000), credited.Balance)
	assert.Equal(t, "0xdeposit", credited.Reference)
	assert.Contains(t, f.sink.kinds(), EventAccountCredited)

	_, err = f.engine.Deposit(f.ctx, testOwner, f.vault, testToken, 1_000)
	require.NoError(t, err)
	f.roundTrip(ActionSwap, 10_000_000)

	assert.Equal(t, uint64(200), f.balance(ProtocolTreasury, testToken))
	assert.Equal(t, uint64(800), f.balance(f.vault, testToken))
}
