// Package ledger tracks token balances, stake escrow and the global energy/compute pool.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"job-orchestrator/internal/models"
)

// EscrowAccount holds employer debits until a job settles.
const EscrowAccount = "escrow"

// epsilon absorbs float drift when a stake is split into slashed and returned parts.
const epsilon = 1e-9

// tokenScale is the number of token units per token. Balances never carry finer amounts.
const tokenScale = 1e6

// Round snaps a token amount to the ledger's precision.
func Round(v float64) float64 { return math.Round(v*tokenScale) / tokenScale }

// Split divides total into n parts at ledger precision. The last part takes the remainder so
// the parts always sum to total.
func Split(total float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	units := math.Round(total * tokenScale)
	total = units / tokenScale
	share := math.Floor(units/float64(n)) / tokenScale
	parts := make([]float64, n)
	for i := range parts {
		parts[i] = share
	}
	parts[n-1] = Round(total - share*float64(n-1))
	return parts
}

var ErrInvalidAmount = errors.New("amount must be non-negative")

// Account is one participant's balance sheet.
type Account struct {
	Name         string  `json:"name"`
	Tokens       float64 `json:"tokens"`
	Staked       float64 `json:"staked"`
	EnergyQuota  float64 `json:"energy_quota"`
	ComputeQuota float64 `json:"compute_quota"`
}

// Pool is the singleton resource pool.
type Pool struct {
	EnergyCapacity   float64 `json:"energy_capacity"`
	ComputeCapacity  float64 `json:"compute_capacity"`
	EnergyAvailable  float64 `json:"energy_available"`
	ComputeAvailable float64 `json:"compute_available"`
	TokenSupply      float64 `json:"token_supply"`
	EnergyPrice      float64 `json:"energy_price"`
	ComputePrice     float64 `json:"compute_price"`
	PriceFloor       float64 `json:"price_floor"`
	PriceCeiling     float64 `json:"price_ceiling"`
}

// Reservation is a budget held against the pool under a key.
type Reservation struct {
	Energy  float64 `json:"energy"`
	Compute float64 `json:"compute"`
}

// Config sizes a fresh pool.
type Config struct {
	EnergyCapacity  float64
	ComputeCapacity float64
	PriceFloor      float64
	PriceCeiling    float64
}

// Totals summarises token conservation.
type Totals struct {
	Tokens float64 `json:"tokens"`
	Staked float64 `json:"staked"`
	Burned float64 `json:"burned"`
	Minted float64 `json:"minted"`
}

// Snapshot is the serialisable ledger state.
type Snapshot struct {
	Accounts     map[string]Account     `json:"accounts"`
	Pool         Pool                   `json:"pool"`
	Reservations map[string]Reservation `json:"reservations,omitempty"`
	Minted       float64                `json:"minted"`
	Burned       float64                `json:"burned"`
}

// Ledger is the single source of truth for balances. Every mutation runs under one lock.
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	pool         Pool
	reservations map[string]Reservation
	minted       float64
	burned       float64
}

// New constructs a ledger with a full pool.
func New(cfg Config) *Ledger {
	floor, ceiling := cfg.PriceFloor, cfg.PriceCeiling
	if floor <= 0 {
		floor = 1
	}
	if ceiling < floor {
		ceiling = math.Max(2, floor)
	}
	l := &Ledger{
		accounts:     make(map[string]*Account),
		reservations: make(map[string]Reservation),
		pool: Pool{
			EnergyCapacity:   cfg.EnergyCapacity,
			ComputeCapacity:  cfg.ComputeCapacity,
			EnergyAvailable:  cfg.EnergyCapacity,
			ComputeAvailable: cfg.ComputeCapacity,
			PriceFloor:       floor,
			PriceCeiling:     ceiling,
		},
	}
	l.accounts[EscrowAccount] = &Account{Name: EscrowAccount}
	l.reprice()
	return l
}

// Do runs fn as one atomic unit. If fn returns an error every step it applied is undone.
func (l *Ledger) Do(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &Tx{
		l:            l,
		accounts:     make(map[string]*Account),
		reservations: make(map[string]*Reservation),
		minted:       l.minted,
		burned:       l.burned,
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (l *Ledger) EnsureAccount(name string, initial float64) error {
	return l.Do(func(tx *Tx) error { return tx.EnsureAccount(name, initial) })
}

func (l *Ledger) Debit(name string, amount float64) error {
	return l.Do(func(tx *Tx) error { return tx.Debit(name, amount) })
}

func (l *Ledger) Credit(name string, amount float64) error {
	return l.Do(func(tx *Tx) error { return tx.Credit(name, amount) })
}

func (l *Ledger) Stake(name string, amount float64) error {
	return l.Do(func(tx *Tx) error { return tx.Stake(name, amount) })
}

func (l *Ledger) ReleaseStake(name string, amount float64, slash bool) error {
	return l.Do(func(tx *Tx) error { return tx.ReleaseStake(name, amount, slash) })
}

func (l *Ledger) Reserve(key string, energy, compute float64) error {
	return l.Do(func(tx *Tx) error { return tx.Reserve(key, energy, compute) })
}

func (l *Ledger) Release(key string) {
	_ = l.Do(func(tx *Tx) error { tx.Release(key); return nil })
}

func (l *Ledger) RecordUsage(name string, energy, compute float64) error {
	return l.Do(func(tx *Tx) error { return tx.RecordUsage(name, energy, compute) })
}

// Replenish returns produced energy/compute to the pool, clamped to capacity.
func (l *Ledger) Replenish(energy, compute float64) Pool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if energy > 0 {
		l.pool.EnergyAvailable = math.Min(l.pool.EnergyCapacity, l.pool.EnergyAvailable+energy)
	}
	if compute > 0 {
		l.pool.ComputeAvailable = math.Min(l.pool.ComputeCapacity, l.pool.ComputeAvailable+compute)
	}
	l.reprice()
	return l.pool
}

// UpdatePool applies a partial capacity/price-clamp change.
func (l *Ledger) UpdatePool(u models.PoolUpdate) (Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.pool
	if u.EnergyCapacity != nil {
		next.EnergyAvailable = clamp(next.EnergyAvailable+*u.EnergyCapacity-next.EnergyCapacity, 0, *u.EnergyCapacity)
		next.EnergyCapacity = *u.EnergyCapacity
	}
	if u.ComputeCapacity != nil {
		next.ComputeAvailable = clamp(next.ComputeAvailable+*u.ComputeCapacity-next.ComputeCapacity, 0, *u.ComputeCapacity)
		next.ComputeCapacity = *u.ComputeCapacity
	}
	if u.PriceFloor != nil {
		next.PriceFloor = *u.PriceFloor
	}
	if u.PriceCeiling != nil {
		next.PriceCeiling = *u.PriceCeiling
	}
	if next.EnergyCapacity < 0 || next.ComputeCapacity < 0 {
		return l.pool, fmt.Errorf("%w: capacities must be >= 0", models.ErrInvalidParameters)
	}
	if next.PriceFloor <= 0 || next.PriceCeiling < next.PriceFloor {
		return l.pool, fmt.Errorf("%w: price clamp must satisfy 0 < floor <= ceiling", models.ErrInvalidParameters)
	}
	l.pool = next
	l.reprice()
	return l.pool, nil
}

// Account returns a copy of one account.
func (l *Ledger) Account(name string) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[name]
	if !ok {
		return Account{Name: name}, false
	}
	return *acc, true
}

// Accounts returns every account sorted by name.
func (l *Ledger) Accounts() []Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Pool returns the current pool state.
func (l *Ledger) Pool() Pool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool
}

// Reservation returns the budget held under key.
func (l *Ledger) Reservation(key string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[key]
	return r, ok
}

// Totals sums balances across all accounts, escrow included.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := Totals{Burned: l.burned, Minted: l.minted}
	for _, acc := range l.accounts {
		t.Tokens += acc.Tokens
		t.Staked += acc.Staked
	}
	return t
}

// Snapshot copies the full ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		Accounts:     make(map[string]Account, len(l.accounts)),
		Pool:         l.pool,
		Reservations: make(map[string]Reservation, len(l.reservations)),
		Minted:       l.minted,
		Burned:       l.burned,
	}
	for name, acc := range l.accounts {
		s.Accounts[name] = *acc
	}
	for key, r := range l.reservations {
		s.Reservations[key] = r
	}
	return s
}

// Restore replaces the ledger state with s.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[string]*Account, len(s.Accounts)+1)
	for name, acc := range s.Accounts {
		acc := acc
		acc.Name = name
		l.accounts[name] = &acc
	}
	if _, ok := l.accounts[EscrowAccount]; !ok {
		l.accounts[EscrowAccount] = &Account{Name: EscrowAccount}
	}
	l.reservations = make(map[string]Reservation, len(s.Reservations))
	for key, r := range s.Reservations {
		l.reservations[key] = r
	}
	l.pool = s.Pool
	if l.pool.PriceFloor <= 0 {
		l.pool.PriceFloor = 1
	}
	if l.pool.PriceCeiling < l.pool.PriceFloor {
		l.pool.PriceCeiling = math.Max(2, l.pool.PriceFloor)
	}
	l.pool.EnergyAvailable = clamp(l.pool.EnergyAvailable, 0, l.pool.EnergyCapacity)
	l.pool.ComputeAvailable = clamp(l.pool.ComputeAvailable, 0, l.pool.ComputeCapacity)
	l.minted = s.Minted
	l.burned = s.Burned
	l.reprice()
}

// reprice applies price = 1 + max(0, 1 - available/capacity) per resource, clamped.
func (l *Ledger) reprice() {
	l.pool.EnergyPrice = l.price(l.pool.EnergyAvailable, l.pool.EnergyCapacity)
	l.pool.ComputePrice = l.price(l.pool.ComputeAvailable, l.pool.ComputeCapacity)
}

func (l *Ledger) price(available, capacity float64) float64 {
	utilisation := 1.0
	if capacity > 0 {
		utilisation = math.Max(0, 1-available/capacity)
	}
	return clamp(1+utilisation, l.pool.PriceFloor, l.pool.PriceCeiling)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
