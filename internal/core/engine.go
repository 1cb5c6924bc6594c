package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"
)

// DeterministicCore applies instructions one at a time against the in-memory
// exchange. An instruction either commits every mutation it made or, on
// error, none of them.
type DeterministicCore struct {
	mu sync.RWMutex

	sequence          int64
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	state       *state.State
	perpMarkets *state.PerpMarketMap
	spotMarkets *state.SpotMarketMap
	oracles     *state.OracleMap
	users       map[uuid.UUID]*state.User
	stats       map[uuid.UUID]*state.UserStats
	liquidating int

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// DefaultLRUCapacity bounds the in-memory idempotency tier.
const DefaultLRUCapacity = 1_000_000

// CoreOutput is one applied instruction and what it emitted.
type CoreOutput struct {
	Envelope *event.Envelope
	Records  []event.Record
}

// Exchange is the configuration the core starts from.
type Exchange struct {
	State       state.State
	PerpMarkets []*state.PerpMarket
	SpotMarkets []*state.SpotMarket
	Oracles     *state.OracleMap
}

func NewDeterministicCore(
	startSequence int64,
	exchange Exchange,
	persistChan, publishChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	oracles := exchange.Oracles
	if oracles == nil {
		oracles = state.NewOracleMap(0)
	}
	st := exchange.State

	idempotencyChecker := NewIdempotencyChecker(DefaultLRUCapacity, dbChecker, metrics)

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
		state:             &st,
		perpMarkets:       state.NewPerpMarketMap(exchange.PerpMarkets...),
		spotMarkets:       state.NewSpotMarketMap(exchange.SpotMarkets...),
		oracles:           oracles,
		users:             make(map[uuid.UUID]*state.User),
		stats:             make(map[uuid.UUID]*state.UserStats),
		persistChan:       persistChan,
		publishChan:       publishChan,
	}
}

// ProcessInstruction applies one live instruction.
func (c *DeterministicCore) ProcessInstruction(ins event.Instruction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.process(ins, false)
}

// ReplayInstruction re-applies an instruction read back from the log. The
// log holds only applied instructions, so replay trusts its order, skips
// deduplication against the log itself and emits nothing.
func (c *DeterministicCore) ReplayInstruction(ins event.Instruction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequenceValidator.SetExpectedSequence(c.getPartition(ins), ins.SourceSequence())
	return c.process(ins, true)
}

func (c *DeterministicCore) process(ins event.Instruction, replay bool) error {
	start := time.Now()
	name := ins.Type().String()
	key := ins.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := !replay && c.idempotency.IsDuplicate(name, key)

	// Step 2: Sequence validation. Oracle feeds tolerate gaps and drop stale samples.
	partition := c.getPartition(ins)
	if oracle, ok := ins.(*event.OracleUpdate); ok {
		if fresh := c.sequenceValidator.ValidateOracleSequence(partition, oracle.SourceSequence()); !fresh {
			c.reject(name, "stale")
			return nil
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, ins.SourceSequence(), key, isDuplicate); err != nil {
		c.reject(name, "sequence")
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.reject(name, "duplicate")
		return nil
	}

	// Step 3: Dispatch against a snapshot of everything the instruction may touch
	now, slot := ins.Clock()
	ids := touchedUsers(ins)
	snap := c.takeSnapshot(ids)
	liquidatingBefore := c.countLiquidating(ids)

	c.oracles.Slot = slot
	env := &state.Env{
		State:       c.state,
		PerpMarkets: c.perpMarkets,
		SpotMarkets: c.spotMarkets,
		Oracles:     c.oracles,
		Now:         now,
		Slot:        slot,
	}
	records, err := c.dispatch(ins, env)
	if err != nil {
		// A rejected instruction still consumes its source sequence and key.
		c.restoreSnapshot(snap)
		c.idempotency.MarkProcessed(name, key)
		c.reject(name, "error")
		c.logger.Debug().Err(err).
			Str("instruction", name).
			Str("idempotency_key", key).
			Msg("instruction rejected")
		return fmt.Errorf("%s: %w", name, err)
	}

	// Step 4: Post-checks
	if err := c.checkOpenInterest(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	c.liquidating += c.countLiquidating(ids) - liquidatingBefore

	// Step 5: State hash over touched users and every market
	hashStart := time.Now()
	link := c.hasher.Begin(c.sequence, key)
	c.writeStateDigest(link, ids)
	stateHash := link.Seal()
	if c.metrics != nil {
		c.metrics.StateHashDuration.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(ins)
	if err != nil {
		panic(fmt.Sprintf("FATAL: instruction %s not serializable: %v", name, err))
	}
	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: key,
		Type:           ins.Type(),
		MarketIndex:    ins.MarketIndex(),
		Timestamp:      time.Unix(now, 0).UTC(),
		Slot:           slot,
		SourceSequence: ins.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       snap.prevHash,
	}
	output := CoreOutput{Envelope: envelope, Records: records}
	c.sequence++

	// Step 6: Emit. Persistence blocks (backpressure); publishing drops on full.
	// Replayed instructions are already in the log and were published once.
	if c.persistChan != nil && !replay {
		if c.metrics != nil && len(c.persistChan) == cap(c.persistChan) {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}
	if c.publishChan != nil && !replay {
		select {
		case c.publishChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}

	// Step 7: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(name, key)

	if c.metrics != nil {
		c.metrics.InstructionsApplied.WithLabelValues(name).Inc()
		c.metrics.InstructionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.recent.Len()))
		c.metrics.UsersBeingLiquidated.Set(float64(c.liquidating))
		c.recordMetrics(records)
	}
	return nil
}

func (c *DeterministicCore) reject(name, reason string) {
	if c.metrics != nil {
		c.metrics.InstructionsRejected.WithLabelValues(name, reason).Inc()
	}
}

// getPartition picks the source sequence partition: one per oracle feed, per
// spot market, per perp market, and one for user-level instructions.
func (c *DeterministicCore) getPartition(ins event.Instruction) string {
	switch in := ins.(type) {
	case *event.OracleUpdate:
		return oraclePartition(in.Oracle)
	case *event.Deposit, *event.Withdraw, *event.UpdateSpotInterest:
		return fmt.Sprintf("spot:%d", *ins.MarketIndex())
	}
	if idx := ins.MarketIndex(); idx != nil {
		return fmt.Sprintf("perp:%d", *idx)
	}
	return "global"
}

// touchedUsers lists every account an instruction may mutate.
func touchedUsers(ins event.Instruction) []uuid.UUID {
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if id != uuid.Nil {
			ids = append(ids, id)
		}
	}
	switch in := ins.(type) {
	case *event.InitUser:
		add(in.UserID)
	case *event.PlacePerpOrder:
		add(in.UserID)
	case *event.PlaceSpotOrder:
		add(in.UserID)
	case *event.CancelOrder:
		add(in.UserID)
	case *event.CancelOrders:
		add(in.UserID)
	case *event.FillPerpOrder:
		add(in.TakerID)
		if in.MakerID != nil {
			add(*in.MakerID)
		}
		add(in.FillerID)
	case *event.TriggerOrder:
		add(in.UserID)
		add(in.FillerID)
	case *event.Deposit:
		add(in.UserID)
	case *event.Withdraw:
		add(in.UserID)
	case *event.SettlePnl:
		add(in.UserID)
	case *event.LiquidatePerp:
		add(in.UserID)
		add(in.LiquidatorID)
	case *event.LiquidateSpot:
		add(in.UserID)
		add(in.LiquidatorID)
	case *event.LiquidateBorrowForPerpPnl:
		add(in.UserID)
		add(in.LiquidatorID)
	case *event.LiquidatePerpPnlForDeposit:
		add(in.UserID)
		add(in.LiquidatorID)
	case *event.ResolvePerpBankruptcy:
		add(in.UserID)
	case *event.ResolveSpotBankruptcy:
		add(in.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// --- Snapshot & restore of one instruction ---

type savedUser struct {
	user    state.User
	stats   state.UserStats
	existed bool
}

type coreSnapshot struct {
	users    map[uuid.UUID]savedUser
	perp     map[uint16]state.PerpMarket
	spot     map[uint16]state.SpotMarket
	oracles  *state.OracleMap
	prevHash [32]byte
}

func (c *DeterministicCore) takeSnapshot(ids []uuid.UUID) coreSnapshot {
	snap := coreSnapshot{
		users:    make(map[uuid.UUID]savedUser, len(ids)),
		perp:     c.perpMarkets.Snapshot(),
		spot:     c.spotMarkets.Snapshot(),
		oracles:  c.oracles.Clone(),
		prevHash: c.hasher.GetPrevHash(),
	}
	for _, id := range ids {
		saved := savedUser{}
		if u, ok := c.users[id]; ok {
			saved.user = *u
			saved.existed = true
		}
		if s, ok := c.stats[id]; ok {
			saved.stats = *s
		}
		snap.users[id] = saved
	}
	return snap
}

// restoreSnapshot writes values back through the live pointers, so pointers
// handed to the failed call stay valid.
func (c *DeterministicCore) restoreSnapshot(snap coreSnapshot) {
	for id, saved := range snap.users {
		if !saved.existed {
			delete(c.users, id)
			delete(c.stats, id)
			continue
		}
		*c.users[id] = saved.user
		if s, ok := c.stats[id]; ok {
			*s = saved.stats
		}
	}
	c.perpMarkets.Restore(snap.perp)
	c.spotMarkets.Restore(snap.spot)
	c.oracles = snap.oracles
}

func (c *DeterministicCore) countLiquidating(ids []uuid.UUID) int {
	n := 0
	for _, id := range ids {
		if u, ok := c.users[id]; ok && (u.IsBeingLiquidated() || u.IsBankrupt()) {
			n++
		}
	}
	return n
}

// checkOpenInterest requires every market's user longs and shorts to net to
// the AMM's counter position.
func (c *DeterministicCore) checkOpenInterest() error {
	for _, idx := range c.perpMarkets.Indexes() {
		m, _ := c.perpMarkets.Get(idx)
		a := &m.AMM
		if a.BaseAssetAmountLong+a.BaseAssetAmountShort != a.BaseAssetAmountWithAmm {
			return fmt.Errorf("perp market %d: long %d + short %d != with amm %d",
				idx, a.BaseAssetAmountLong, a.BaseAssetAmountShort, a.BaseAssetAmountWithAmm)
		}
	}
	return nil
}

// writeStateDigest feeds the touched users and stats (sorted by id) and every
// market (sorted by index) into link.
func (c *DeterministicCore) writeStateDigest(link *Link, ids []uuid.UUID) {
	for _, id := range ids {
		if u, ok := c.users[id]; ok {
			link.Write(u.CanonicalBytes())
		}
		if s, ok := c.stats[id]; ok {
			link.Write(s.CanonicalBytes())
		}
	}
	for _, idx := range c.perpMarkets.Indexes() {
		m, _ := c.perpMarkets.Get(idx)
		link.Write(m.CanonicalBytes())
	}
	for _, idx := range c.spotMarkets.Indexes() {
		m, _ := c.spotMarkets.Get(idx)
		link.Write(m.CanonicalBytes())
	}
}

func (c *DeterministicCore) recordMetrics(records []event.Record) {
	for _, rec := range records {
		c.metrics.RecordsEmitted.WithLabelValues(string(rec.RecordType())).Inc()
		switch r := rec.(type) {
		case *event.OrderActionRecord:
			if r.Action != event.OrderActionFill {
				continue
			}
			market := fmt.Sprintf("%d", r.MarketIndex)
			c.metrics.Fills.WithLabelValues(market, r.Explanation.String()).Inc()
			c.metrics.FillBaseVolume.WithLabelValues(market).Add(float64(r.BaseAssetAmountFilled))
			c.metrics.FillQuoteVolume.WithLabelValues(market).Add(float64(r.QuoteAssetAmountFilled))
		case *event.LiquidationRecord:
			c.metrics.Liquidations.WithLabelValues(r.LiquidationType.String()).Inc()
			if r.Bankrupt {
				c.metrics.Bankruptcies.WithLabelValues(r.LiquidationType.String()).Inc()
			}
			if r.LiquidatePerp != nil && r.LiquidatePerp.IfFee > 0 {
				c.metrics.LiquidationFeesQuote.WithLabelValues(fmt.Sprintf("%d", r.LiquidatePerp.MarketIndex)).
					Add(float64(r.LiquidatePerp.IfFee))
			}
		}
	}
}

// --- Read access ---

// View is a read-only window on the core. It is only valid inside Read.
type View struct {
	c *DeterministicCore
}

// Read runs fn under the read lock, between two instructions.
func (c *DeterministicCore) Read(fn func(View) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fn(View{c: c})
}

func (v View) State() *state.State               { return v.c.state }
func (v View) PerpMarkets() *state.PerpMarketMap { return v.c.perpMarkets }
func (v View) SpotMarkets() *state.SpotMarketMap { return v.c.spotMarkets }
func (v View) Oracles() *state.OracleMap         { return v.c.oracles }
func (v View) Sequence() int64                   { return v.c.sequence }

func (v View) User(id uuid.UUID) (*state.User, error) {
	return v.c.user(id)
}

func (v View) UserStats(id uuid.UUID) (*state.UserStats, bool) {
	s, ok := v.c.stats[id]
	return s, ok
}

// Users returns every user, sorted by id.
func (v View) Users() []*state.User {
	ids := v.UserIDs()
	out := make([]*state.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.c.users[id])
	}
	return out
}

// UserIDs returns every user id, sorted.
func (v View) UserIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(v.c.users))
	for id := range v.c.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Users           []state.User
	Stats           []state.UserStats
	PerpMarkets     []state.PerpMarket
	SpotMarkets     []state.SpotMarket
	Oracles         map[state.OracleID]state.OraclePriceData
	OracleSlot      uint64
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot replaces the core's in-memory state. Replay of the
// instruction log continues from Sequence+1.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for i := range snap.PerpMarkets {
		m := snap.PerpMarkets[i]
		c.perpMarkets.Insert(m.MarketIndex, &m)
	}
	for i := range snap.SpotMarkets {
		m := snap.SpotMarkets[i]
		c.spotMarkets.Insert(m.MarketIndex, &m)
	}

	c.users = make(map[uuid.UUID]*state.User, len(snap.Users))
	c.liquidating = 0
	for i := range snap.Users {
		u := snap.Users[i]
		c.users[u.ID] = &u
		if u.IsBeingLiquidated() || u.IsBankrupt() {
			c.liquidating++
		}
	}
	c.stats = make(map[uuid.UUID]*state.UserStats, len(snap.Stats))
	for i := range snap.Stats {
		s := snap.Stats[i]
		c.stats[s.Authority] = &s
	}

	c.oracles = state.NewOracleMap(snap.OracleSlot)
	for id, d := range snap.Oracles {
		c.oracles.Set(id, d)
	}

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
	if skipped := c.idempotency.recent.Warm(snap.IdempotencyKeys); skipped > 0 {
		c.logger.Warn().Int("skipped", skipped).Msg("malformed idempotency keys in snapshot")
	}
}

// WarmLRU loads recent "Type:key" idempotency keys, oldest first.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if skipped := c.idempotency.recent.Warm(keys); skipped > 0 {
		c.logger.Warn().Int("skipped", skipped).Msg("malformed idempotency keys")
	}
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Oracles:         c.oracles.All(),
		OracleSlot:      c.oracles.Slot,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.recent.Keys(),
	}
	for _, idx := range c.perpMarkets.Indexes() {
		m, _ := c.perpMarkets.Get(idx)
		snap.PerpMarkets = append(snap.PerpMarkets, *m)
	}
	for _, idx := range c.spotMarkets.Indexes() {
		m, _ := c.spotMarkets.Get(idx)
		snap.SpotMarkets = append(snap.SpotMarkets, *m)
	}

	ids := make([]uuid.UUID, 0, len(c.users))
	for id := range c.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		snap.Users = append(snap.Users, *c.users[id])
		if s, ok := c.stats[id]; ok {
			snap.Stats = append(snap.Stats, *s)
		}
	}
	return snap
}
