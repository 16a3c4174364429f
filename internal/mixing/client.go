// Package mixing implements the wallet side of the denominated mixing
// protocol: planning denominations, opening rounds with mixing peers,
// submitting entries and co-signing the joint transaction.
package mixing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-mix/internal/log"
	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// Configuration limits.
const (
	MinRounds     = 2
	MaxRounds     = 16
	DefaultRounds = 2

	MinAmount     = 2
	MaxAmount     = types.MaxMoney / types.Coin
	DefaultAmount = 1000

	MinLiquidity     = 0
	MaxLiquidity     = 100
	DefaultLiquidity = 0

	DefaultMultiSession      = false
	DefaultAutoBackup        = true
	DefaultMinBlocksToWait   = 1
	DefaultMaxProtocolErrors = 3
	DefaultFeeRate           = 10
	DefaultMinConfirmations  = 1
)

// Key pool thresholds, counted in keys left since the last backup.
const (
	KeysThresholdWarning = 100
	KeysThresholdStop    = 50
)

const (
	// SigningTimeout bounds the SIGNING stage.
	SigningTimeout = 15 * time.Second

	// clientLag gives the mixing peer extra time before the client gives up.
	clientLag = 10 * time.Second

	// resetCooldown is how long ERROR and SUCCESS are held before IDLE.
	resetCooldown = 10 * time.Second

	// Automatic denomination runs every autoTimeoutMin..autoTimeoutMax ticks.
	autoTimeoutMin = 5
	autoTimeoutMax = 15

	connectTimeout = 10 * time.Second
	maxKnownQueues = 256
)

// Config controls the mixing client.
type Config struct {
	Enabled           bool
	Rounds            int
	Amount            uint64 // whole coins
	LiquidityProvider int    // 0 disables, 1 mixes most often, 100 least often
	MultiSession      bool
	AutoBackup        bool
	MinBlocksToWait   uint64
	MaxProtocolErrors int
	MinConfirmations  uint64
	FeeRate           uint64 // base units per byte
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Rounds:            DefaultRounds,
		Amount:            DefaultAmount,
		LiquidityProvider: DefaultLiquidity,
		MultiSession:      DefaultMultiSession,
		AutoBackup:        DefaultAutoBackup,
		MinBlocksToWait:   DefaultMinBlocksToWait,
		MaxProtocolErrors: DefaultMaxProtocolErrors,
		MinConfirmations:  DefaultMinConfirmations,
		FeeRate:           DefaultFeeRate,
	}
}

// Clamp returns cfg with every bounded value forced into its range.
func (cfg Config) Clamp() Config {
	cfg.Rounds = min(max(cfg.Rounds, MinRounds), MaxRounds)
	cfg.Amount = min(max(cfg.Amount, MinAmount), MaxAmount)
	cfg.LiquidityProvider = min(max(cfg.LiquidityProvider, MinLiquidity), MaxLiquidity)
	if cfg.MaxProtocolErrors < 0 {
		cfg.MaxProtocolErrors = 0
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	return cfg
}

type outbound struct {
	to  PeerID
	msg Message
}

// roundEntry is one entry this wallet submitted in the current round.
type roundEntry struct {
	coins   []wallet.UTXO
	outputs []tx.Output
}

// Client is the per-wallet mixing state machine. One mutex guards every
// field below it; I/O with peers and the chain happens with it released.
type Client struct {
	cfg       Config
	wallet    Wallet
	transport Transport
	peers     PeerSource
	planner   *DenominationPlanner
	clock     Clock
	randIntn  func(int) int
	log       zerolog.Logger

	mu                sync.Mutex
	enabled           bool
	state             PoolState
	round             uint64
	sessionID         uint32
	sessionDenom      uint64
	entriesCount      int
	lastEntryAccepted bool
	entryAwaitingAck  bool
	lastMessage       string
	autoDenomResult   string
	usedPeers         []PeerID
	skipped           map[uint64]struct{}
	locked            map[types.Outpoint]struct{}
	lastSuccessBlock  uint64
	minBlocksToWait   uint64
	blockHeight       uint64
	collateral        *tx.Transaction
	mixingPeer        *PeerInfo
	pending           *PendingRequestTracker
	keys              *KeyReservationPool
	queues            []QueueAnnounce
	entries           []roundEntry
	finalTx           *tx.Transaction
	finalOutputs      []int
	lastStep          time.Time
	protocolErrCount  int
	tick              uint64
	nextAutoRun       uint64
}

// NewClient creates a mixing client. Out-of-range configuration values are
// clamped.
func NewClient(cfg Config, w Wallet, t Transport, peers PeerSource) *Client {
	cfg = cfg.Clamp()
	c := &Client{
		cfg:             cfg,
		wallet:          w,
		transport:       t,
		peers:           peers,
		clock:           systemClock{},
		randIntn:        rand.IntN,
		log:             klog.Mixing,
		enabled:         cfg.Enabled,
		skipped:         make(map[uint64]struct{}),
		locked:          make(map[types.Outpoint]struct{}),
		minBlocksToWait: cfg.MinBlocksToWait,
		nextAutoRun:     autoTimeoutMin,
	}
	c.planner = NewDenominationPlanner(w, cfg.MinConfirmations, cfg.FeeRate, c.log)
	c.pending = NewPendingRequestTracker(c.clock)
	c.keys = NewKeyReservationPool(c.log)
	return c
}

// setClock replaces the clock; used by tests.
func (c *Client) setClock(clock Clock) {
	c.clock = clock
	c.pending.clock = clock
}

// Config returns the effective (clamped) configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// SetEnabled turns automatic mixing on or off. Turning it off aborts the
// current round.
func (c *Client) SetEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = on
	if !on {
		c.resetPool()
		c.autoDenomResult = "Mixing was stopped."
	}
	c.log.Info().Bool("enabled", on).Msg("Mixing toggled")
}

// IsEnabled reports whether automatic mixing is on.
func (c *Client) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Run drives Tick once per second until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick is the background task: it checks timeouts, flushes the pending
// accept request and periodically attempts automatic denomination.
func (c *Client) Tick(ctx context.Context) {
	c.CheckTimeout()
	c.ProcessPendingDsaRequest(ctx)

	c.mu.Lock()
	c.tick++
	run := c.tick >= c.nextAutoRun
	if run {
		c.nextAutoRun = c.tick + autoTimeoutMin + uint64(c.randIntn(autoTimeoutMax-autoTimeoutMin))
	}
	c.mu.Unlock()

	if run {
		c.DoAutomaticDenominating(ctx, false)
	}
}

// UpdatedBlockTip records a new chain height.
func (c *Client) UpdatedBlockTip(height uint64) {
	c.mu.Lock()
	c.blockHeight = height
	c.mu.Unlock()
}

// SetMinBlocksToWait sets the number of blocks required between two
// successful rounds.
func (c *Client) SetMinBlocksToWait(n uint64) {
	c.mu.Lock()
	c.minBlocksToWait = n
	c.mu.Unlock()
}

// ClearSkippedDenominations makes every denomination eligible again.
func (c *Client) ClearSkippedDenominations() {
	c.mu.Lock()
	c.skipped = make(map[uint64]struct{})
	c.mu.Unlock()
}

// ResetPool aborts the current round, releasing its reservations and
// locked outputs, and returns to IDLE.
func (c *Client) ResetPool() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetPool()
}

// UnlockCoins releases every output locked for the current round.
func (c *Client) UnlockCoins() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlockCoins()
}

// CheckTimeout fails a round that made no progress in time and resets
// ERROR and SUCCESS to IDLE after the cooldown.
func (c *Client) CheckTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkTimeout()
}

func (c *Client) checkTimeout() {
	elapsed := c.clock.Now().Sub(c.lastStep)
	switch c.state {
	case StateIdle:
		return
	case StateError, StateSuccess:
		if elapsed >= resetCooldown {
			c.log.Debug().Str("state", c.state.String()).Msg("Cooldown over, resetting pool")
			c.resetPool()
		}
		return
	}

	timeout := QueueTimeout
	if c.state == StateSigning {
		timeout = SigningTimeout
	}
	if elapsed > timeout+clientLag {
		c.log.Warn().
			Str("state", c.state.String()).
			Dur("elapsed", elapsed).
			Msg("Mixing round timed out")
		c.failRound(msgTimeout)
	}
}

// ProcessPendingDsaRequest sends the pending accept request once the
// mixing peer is connected, or fails the round when it expires first.
func (c *Client) ProcessPendingDsaRequest(ctx context.Context) {
	c.mu.Lock()
	req, ok := c.pending.Get()
	c.mu.Unlock()
	if !ok {
		return
	}

	connected := c.transport.IsConnected(req.Peer.ID)

	c.mu.Lock()
	cur, ok := c.pending.Get()
	if !ok || !cur.Equal(req) {
		c.mu.Unlock()
		return
	}
	if connected {
		c.pending.Clear()
		c.lastStep = c.clock.Now()
		c.autoDenomResult = "Mixing in progress..."
		round := c.round
		c.mu.Unlock()

		c.log.Debug().
			Str("peer", string(req.Peer.ID)).
			Str("denom", FormatAmount(req.Accept.Denom)).
			Msg("Sending accept request")
		c.flush(ctx, round, []outbound{{to: req.Peer.ID, msg: req.Accept}})
		return
	}
	if c.pending.IsExpired() {
		c.log.Warn().Str("peer", string(req.Peer.ID)).Msg("Failed to connect to mixing peer")
		c.failRound(msgConnectFailed)
	}
	c.mu.Unlock()
}

type stepKind int

const (
	stepNone stepKind = iota
	stepCreateDenominated
	stepMakeCollateral
	stepConnect
)

type step struct {
	kind   stepKind
	target uint64
	excl   Exclusions
	peer   PeerInfo
}

// DoAutomaticDenominating runs one automatic mixing attempt: it creates
// denominations or collateral when needed, otherwise opens a round. With
// dryRun it only reports whether there is anything to do.
func (c *Client) DoAutomaticDenominating(ctx context.Context, dryRun bool) bool {
	if !dryRun && !c.autoBackupIfLow() {
		return false
	}

	c.mu.Lock()
	next, ok := c.nextStep(dryRun)
	c.mu.Unlock()
	if !ok || dryRun {
		return ok
	}

	switch next.kind {
	case stepCreateDenominated:
		_, err := c.planner.CreateDenominated(next.target, next.excl)
		return c.recordPlanning("Denominated outputs created.", err)
	case stepMakeCollateral:
		_, err := c.planner.MakeCollateralAmounts(next.target, next.excl)
		return c.recordPlanning("Collateral output created.", err)
	case stepConnect:
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := c.transport.Connect(cctx, next.peer)
		cancel()
		if err != nil {
			c.log.Debug().Err(err).Str("peer", string(next.peer.ID)).Msg("Connect to mixing peer failed")
		}
		c.ProcessPendingDsaRequest(ctx)
		return true
	}
	return false
}

// DoOnceDenominating runs a single mixing attempt right away and returns
// its outcome message.
func (c *Client) DoOnceDenominating(ctx context.Context) (bool, string) {
	ok := c.DoAutomaticDenominating(ctx, false)
	c.mu.Lock()
	defer c.mu.Unlock()
	return ok, c.autoDenomResult
}

func (c *Client) recordPlanning(success string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.autoDenomResult = fmt.Sprintf("Planning failed: %v", err)
		c.log.Warn().Err(err).Msg("Planning transaction failed")
		return false
	}
	c.autoDenomResult = success
	return true
}

// nextStep decides what DoAutomaticDenominating does. Called with mu held.
func (c *Client) nextStep(dryRun bool) (step, bool) {
	if !c.enabled {
		c.autoDenomResult = "Mixing is disabled."
		return step{}, false
	}
	if c.state != StateIdle {
		return step{}, false
	}
	if !c.checkKeyThresholds() {
		return step{}, false
	}
	if c.waitForAnotherBlock() {
		c.autoDenomResult = "Last successful mixing action was too recent."
		c.log.Debug().
			Uint64("height", c.blockHeight).
			Uint64("last_success", c.lastSuccessBlock).
			Msg("Waiting for another block")
		return step{}, false
	}
	if !dryRun && c.cfg.LiquidityProvider > 0 && c.randIntn(MaxLiquidity+1) < c.cfg.LiquidityProvider {
		return step{}, false
	}

	utxos, err := c.wallet.SpendableOutputs(0)
	if err != nil {
		c.autoDenomResult = "Unable to list wallet outputs."
		c.log.Error().Err(err).Msg("List spendable outputs")
		return step{}, false
	}
	excl := c.exclusions()
	bal := ComputeBalances(utxos, c.targetRounds(), c.cfg.MinConfirmations, excl)

	valueMin := SmallestDenomination()
	if !bal.HasCollateral {
		valueMin += MaxCollateralAmount
	}
	target := c.targetAmount()
	needs := bal.NeedsToBeAnonymized(target, valueMin)
	if needs < valueMin {
		c.autoDenomResult = "Not enough funds to anonymize."
		return step{}, false
	}
	if dryRun {
		return step{}, true
	}

	denominated := bal.Denominated + bal.DenominatedUnconf
	var remaining uint64
	if target > denominated {
		remaining = target - denominated
	}
	if bal.AnonymizableNonDenom >= valueMin+CollateralAmount && remaining > 0 {
		return step{kind: stepCreateDenominated, target: remaining, excl: excl}, true
	}
	if !bal.HasCollateral {
		if bal.HasCollateralUnconf {
			c.autoDenomResult = "Waiting for collateral to confirm."
			return step{}, false
		}
		return step{kind: stepMakeCollateral, target: remaining, excl: excl}, true
	}
	if c.sessionID != 0 {
		c.autoDenomResult = "Mixing in progress..."
		return step{}, false
	}

	// Leftovers of an earlier round must not leak into this one.
	c.releaseRound(false)
	c.clearRoundFields()
	excl = c.exclusions()

	if !c.cfg.MultiSession && bal.DenominatedUnconf > 0 {
		c.autoDenomResult = "Found unconfirmed denominated outputs, will wait till they confirm to continue."
		return step{}, false
	}

	collateral, err := c.newCollateral(utxos, excl)
	if err != nil {
		c.autoDenomResult = "Unable to create collateral."
		c.log.Warn().Err(err).Msg("Create collateral transaction")
		return step{}, false
	}

	c.startCycleIfExhausted()

	useQueue := c.cfg.LiquidityProvider > 0 || c.randIntn(100) > 33
	if useQueue {
		if p, ok := c.joinExistingQueue(utxos, excl, collateral); ok {
			return step{kind: stepConnect, peer: p}, true
		}
	}
	if c.cfg.LiquidityProvider > 0 {
		c.autoDenomResult = "No queue to join yet."
		return step{}, false
	}
	if p, ok := c.startNewQueue(utxos, excl, collateral); ok {
		return step{kind: stepConnect, peer: p}, true
	}
	c.autoDenomResult = "No compatible mixing peer found."
	return step{}, false
}

// checkKeyThresholds enforces the key pool thresholds. Called with mu held.
func (c *Client) checkKeyThresholds() bool {
	left := c.wallet.KeysLeftSinceBackup()
	if left <= KeysThresholdStop {
		c.enabled = false
		c.autoDenomResult = fmt.Sprintf("Very low number of keys left: %d, no mixing available.", left)
		c.log.Error().Int("keys_left", left).Msg("Key pool nearly exhausted, mixing stopped")
		return false
	}
	if left < KeysThresholdWarning {
		c.autoDenomResult = fmt.Sprintf("Very low number of keys left: %d", left)
		c.log.Warn().Int("keys_left", left).Msg("Key pool running low, back up the wallet")
	}
	return true
}

// autoBackupIfLow backs the wallet up when the key pool is in the warning
// band. The backup runs without mu held; false means it failed.
func (c *Client) autoBackupIfLow() bool {
	c.mu.Lock()
	left := c.wallet.KeysLeftSinceBackup()
	want := c.enabled && c.state == StateIdle && c.cfg.AutoBackup &&
		left > KeysThresholdStop && left < KeysThresholdWarning
	c.mu.Unlock()
	if !want {
		return true
	}

	path, err := c.wallet.Backup()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.autoDenomResult = fmt.Sprintf("Automatic backup failed: %v", err)
		c.log.Error().Err(err).Msg("Automatic wallet backup failed")
		return false
	}
	c.log.Info().Str("path", path).Int("keys_left", left).Msg("Automatic wallet backup created")
	return true
}

func (c *Client) waitForAnotherBlock() bool {
	if c.cfg.MultiSession || c.lastSuccessBlock == 0 {
		return false
	}
	if c.blockHeight < c.lastSuccessBlock {
		return true
	}
	return c.blockHeight-c.lastSuccessBlock < c.minBlocksToWait
}

// targetRounds is the round count a denominated output needs before it
// counts as anonymized. Liquidity providers keep remixing up to the max.
func (c *Client) targetRounds() int {
	if c.cfg.LiquidityProvider > 0 {
		return MaxRounds
	}
	return c.cfg.Rounds
}

func (c *Client) targetAmount() uint64 {
	if c.cfg.LiquidityProvider > 0 {
		return MaxAmount * types.Coin
	}
	return c.cfg.Amount * types.Coin
}

func (c *Client) exclusions() Exclusions {
	e := Exclusions{
		Locked:  make(map[types.Outpoint]struct{}, len(c.locked)),
		Skipped: make(map[uint64]struct{}, len(c.skipped)),
	}
	for op := range c.locked {
		e.Locked[op] = struct{}{}
	}
	for d := range c.skipped {
		e.Skipped[d] = struct{}{}
	}
	return e
}

// mixableCoins returns confirmed outputs of denom with a round count in
// [minRounds, maxRounds), least mixed first, at most EntryMaxSize.
func (c *Client) mixableCoins(utxos []wallet.UTXO, denom uint64, minRounds, maxRounds int, excl Exclusions) []wallet.UTXO {
	var coins []wallet.UTXO
	for _, u := range utxos {
		if u.Value != denom || excl.isLocked(u.Outpoint) {
			continue
		}
		if u.Confirmations < c.cfg.MinConfirmations || u.Rounds < minRounds || u.Rounds >= maxRounds {
			continue
		}
		coins = append(coins, u)
	}
	sort.Slice(coins, func(i, j int) bool {
		if coins[i].Rounds != coins[j].Rounds {
			return coins[i].Rounds < coins[j].Rounds
		}
		return coins[i].Outpoint.Less(coins[j].Outpoint)
	})
	if len(coins) > EntryMaxSize {
		coins = coins[:EntryMaxSize]
	}
	return coins
}

// chooseDenom picks the non-skipped denomination with the most coins
// ready to mix.
func (c *Client) chooseDenom(utxos []wallet.UTXO, excl Exclusions) uint64 {
	var best uint64
	bestCount := 0
	for _, d := range standardDenominations {
		if excl.isSkipped(d) {
			continue
		}
		if n := len(c.mixableCoins(utxos, d, 0, c.targetRounds(), excl)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// roundCollateral is the signed collateral of a round and the output it
// spends. The output stays locked while the round is in flight.
type roundCollateral struct {
	tx   *tx.Transaction
	coin wallet.UTXO
}

func (c *Client) newCollateral(utxos []wallet.UTXO, excl Exclusions) (roundCollateral, error) {
	var coin *wallet.UTXO
	for i := range utxos {
		u := &utxos[i]
		if !IsCollateralAmount(u.Value) || excl.isLocked(u.Outpoint) || u.Confirmations < c.cfg.MinConfirmations {
			continue
		}
		if coin == nil || u.Value > coin.Value {
			coin = u
		}
	}
	if coin == nil {
		return roundCollateral{}, ErrNoCollateralInputs
	}

	keys := NewKeyReservationPool(c.log)
	change, err := keys.Reserve(c.wallet)
	if err != nil {
		return roundCollateral{}, fmt.Errorf("reserve collateral change: %w", err)
	}
	t, err := NewCollateralTx(*coin, change)
	if err != nil {
		keys.ReturnAll()
		return roundCollateral{}, err
	}
	if err := c.wallet.SignInputs(t, []int{0}); err != nil {
		keys.ReturnAll()
		return roundCollateral{}, fmt.Errorf("sign collateral: %w", err)
	}
	if !IsCollateralValid(t, coin.Value) {
		keys.ReturnAll()
		return roundCollateral{}, fmt.Errorf("collateral transaction %s invalid", t.Hash())
	}
	keys.KeepAll()
	return roundCollateral{tx: t, coin: *coin}, nil
}

func (c *Client) isUsedPeer(id PeerID) bool {
	for _, p := range c.usedPeers {
		if p == id {
			return true
		}
	}
	return false
}

func (c *Client) markUsed(id PeerID) {
	if !c.isUsedPeer(id) {
		c.usedPeers = append(c.usedPeers, id)
	}
}

// startCycleIfExhausted clears usedPeers once every candidate was used.
func (c *Client) startCycleIfExhausted() {
	candidates := c.peers.Candidates()
	if len(candidates) == 0 || len(c.usedPeers) == 0 {
		return
	}
	for _, p := range candidates {
		if !c.isUsedPeer(p.ID) {
			return
		}
	}
	c.log.Info().Int("peers", len(c.usedPeers)).Msg("All mixing peers used, starting new cycle")
	c.usedPeers = nil
}

// joinExistingQueue opens a round on an advertised queue from a peer not
// used in this cycle.
func (c *Client) joinExistingQueue(utxos []wallet.UTXO, excl Exclusions, collateral roundCollateral) (PeerInfo, bool) {
	now := c.clock.Now()
	known := make(map[PeerID]PeerInfo)
	for _, p := range c.peers.Candidates() {
		known[p.ID] = p
	}
	for _, q := range c.queues {
		if q.Ready || q.IsExpired(now) || c.isUsedPeer(q.Peer) || excl.isSkipped(q.Denom) {
			continue
		}
		p, ok := known[q.Peer]
		if !ok {
			continue
		}
		if len(c.mixableCoins(utxos, q.Denom, 0, c.targetRounds(), excl)) == 0 {
			continue
		}
		if err := c.openRound(p, q.Denom, collateral); err != nil {
			c.log.Debug().Err(err).Msg("Cannot join queue")
			return PeerInfo{}, false
		}
		c.log.Info().
			Str("peer", string(p.ID)).
			Str("denom", FormatAmount(q.Denom)).
			Msg("Joining existing queue")
		return p, true
	}
	return PeerInfo{}, false
}

// startNewQueue asks the first unused candidate to open a new queue.
func (c *Client) startNewQueue(utxos []wallet.UTXO, excl Exclusions, collateral roundCollateral) (PeerInfo, bool) {
	denom := c.chooseDenom(utxos, excl)
	if denom == 0 {
		c.log.Debug().Msg("No denominated outputs ready to mix")
		return PeerInfo{}, false
	}
	for _, p := range c.peers.Candidates() {
		if c.isUsedPeer(p.ID) {
			continue
		}
		if err := c.openRound(p, denom, collateral); err != nil {
			c.log.Debug().Err(err).Msg("Cannot start queue")
			return PeerInfo{}, false
		}
		c.log.Info().
			Str("peer", string(p.ID)).
			Str("denom", FormatAmount(denom)).
			Msg("Starting new queue")
		return p, true
	}
	return PeerInfo{}, false
}

func (c *Client) openRound(p PeerInfo, denom uint64, collateral roundCollateral) error {
	if err := c.lockCoins([]wallet.UTXO{collateral.coin}); err != nil {
		return fmt.Errorf("lock collateral input: %w", err)
	}
	if err := c.pending.Issue(p, &Accept{Denom: denom, Collateral: collateral.tx}); err != nil {
		c.unlockCoins()
		return err
	}
	if err := c.setState(StateQueue); err != nil {
		c.pending.Clear()
		c.unlockCoins()
		return err
	}
	peer := p
	c.round++
	c.mixingPeer = &peer
	c.sessionDenom = denom
	c.collateral = collateral.tx
	c.protocolErrCount = 0
	c.lastStep = c.clock.Now()
	c.autoDenomResult = "Trying to connect to mixing peer..."
	roundsStarted.Inc()
	return nil
}

func (c *Client) setState(s PoolState) error {
	if !canTransition(c.state, s) {
		c.log.Error().
			Str("from", c.state.String()).
			Str("to", s.String()).
			Msg("Refused state transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, s)
	}
	c.state = s
	poolState.Set(float64(s))
	return nil
}

// failRound moves the round to ERROR and releases everything it holds.
func (c *Client) failRound(reason PoolMessage) {
	wasActive := c.state.isActive()
	c.releaseRound(false)
	c.pending.Clear()
	if c.mixingPeer != nil {
		c.markUsed(c.mixingPeer.ID)
	}
	_ = c.setState(StateError)
	c.lastMessage = reason.String()
	c.autoDenomResult = reason.String()
	c.lastStep = c.clock.Now()
	if wasActive {
		roundsFinished.WithLabelValues("error").Inc()
	}
	c.log.Warn().Str("reason", reason.String()).Msg("Mixing round failed")
}

// releaseRound resolves the round's reservations and unlocks its outputs.
// Calling it again is a no-op.
func (c *Client) releaseRound(keep bool) {
	if keep {
		c.keys.KeepAll()
	} else {
		c.keys.ReturnAll()
	}
	c.unlockCoins()
}

func (c *Client) resetPool() {
	if c.state.isActive() {
		c.failRound(msgAborted)
	}
	c.releaseRound(false)
	c.clearRoundFields()
	c.round++
	_ = c.setState(StateIdle)
}

func (c *Client) clearRoundFields() {
	c.sessionID = 0
	c.sessionDenom = 0
	c.entriesCount = 0
	c.lastEntryAccepted = false
	c.entryAwaitingAck = false
	c.collateral = nil
	c.mixingPeer = nil
	c.entries = nil
	c.finalTx = nil
	c.finalOutputs = nil
	c.protocolErrCount = 0
	c.pending.Clear()
}

func (c *Client) lockCoins(coins []wallet.UTXO) error {
	ops := make([]types.Outpoint, len(coins))
	for i, u := range coins {
		if _, ok := c.locked[u.Outpoint]; ok {
			return fmt.Errorf("%w: %s", wallet.ErrOutpointLocked, u.Outpoint)
		}
		ops[i] = u.Outpoint
	}
	if err := c.wallet.LockOutpoints(ops); err != nil {
		return err
	}
	for _, op := range ops {
		c.locked[op] = struct{}{}
	}
	return nil
}

func (c *Client) unlockCoins() {
	if len(c.locked) == 0 {
		return
	}
	ops := make([]types.Outpoint, 0, len(c.locked))
	for op := range c.locked {
		ops = append(ops, op)
	}
	c.wallet.UnlockOutpoints(ops)
	c.locked = make(map[types.Outpoint]struct{})
}

func (c *Client) flush(ctx context.Context, round uint64, outs []outbound) {
	for _, o := range outs {
		if err := c.transport.Send(ctx, o.to, o.msg); err != nil {
			c.log.Warn().
				Err(err).
				Str("peer", string(o.to)).
				Str("kind", string(o.msg.Kind())).
				Msg("Send to mixing peer failed")
			c.mu.Lock()
			if c.round == round && c.state.isActive() {
				c.failRound(msgSendFailed)
			}
			c.mu.Unlock()
			return
		}
	}
}

// Balances reports the wallet balances relevant to mixing.
func (c *Client) Balances() (Balances, error) {
	utxos, err := c.wallet.SpendableOutputs(0)
	if err != nil {
		return Balances{}, err
	}
	c.mu.Lock()
	excl := c.exclusions()
	rounds := c.targetRounds()
	c.mu.Unlock()
	return ComputeBalances(utxos, rounds, c.cfg.MinConfirmations, excl), nil
}
