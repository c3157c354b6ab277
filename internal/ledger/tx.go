package ledger

import (
	"fmt"
	"math"

	"job-orchestrator/internal/models"
)

// Tx applies ledger operations inside Ledger.Do. It records the first-seen value of every
// account, reservation and the pool so a failed batch can be restored exactly.
type Tx struct {
	l            *Ledger
	accounts     map[string]*Account
	reservations map[string]*Reservation
	pool         *Pool
	minted       float64
	burned       float64
}

func (tx *Tx) saveAccount(name string) {
	if _, seen := tx.accounts[name]; seen {
		return
	}
	if acc, ok := tx.l.accounts[name]; ok {
		cp := *acc
		tx.accounts[name] = &cp
		return
	}
	tx.accounts[name] = nil
}

func (tx *Tx) saveReservation(key string) {
	if _, seen := tx.reservations[key]; seen {
		return
	}
	if r, ok := tx.l.reservations[key]; ok {
		cp := r
		tx.reservations[key] = &cp
		return
	}
	tx.reservations[key] = nil
}

func (tx *Tx) savePool() {
	if tx.pool == nil {
		cp := tx.l.pool
		tx.pool = &cp
	}
}

func (tx *Tx) rollback() {
	for name, acc := range tx.accounts {
		if acc == nil {
			delete(tx.l.accounts, name)
			continue
		}
		tx.l.accounts[name] = acc
	}
	for key, r := range tx.reservations {
		if r == nil {
			delete(tx.l.reservations, key)
			continue
		}
		tx.l.reservations[key] = *r
	}
	if tx.pool != nil {
		tx.l.pool = *tx.pool
	}
	tx.l.minted = tx.minted
	tx.l.burned = tx.burned
}

func (tx *Tx) account(name string) *Account {
	tx.saveAccount(name)
	acc, ok := tx.l.accounts[name]
	if !ok {
		acc = &Account{Name: name}
		tx.l.accounts[name] = acc
	}
	return acc
}

// Balance reads an account inside the transaction.
func (tx *Tx) Balance(name string) Account {
	if acc, ok := tx.l.accounts[name]; ok {
		return *acc
	}
	return Account{Name: name}
}

// EnsureAccount mints initial tokens for a new or empty account. It never lowers a balance.
func (tx *Tx) EnsureAccount(name string, initial float64) error {
	initial = Round(initial)
	if initial < 0 {
		return ErrInvalidAmount
	}
	if acc, ok := tx.l.accounts[name]; ok && (acc.Tokens != 0 || acc.Staked != 0) {
		return nil
	}
	acc := tx.account(name)
	tx.mint(acc, initial)
	return nil
}

func (tx *Tx) mint(acc *Account, amount float64) {
	tx.savePool()
	acc.Tokens = Round(acc.Tokens + amount)
	tx.l.minted = Round(tx.l.minted + amount)
	tx.l.pool.TokenSupply = Round(tx.l.pool.TokenSupply + amount)
}

// Debit moves tokens from an account into escrow.
func (tx *Tx) Debit(name string, amount float64) error {
	return tx.transfer(name, EscrowAccount, amount)
}

// Credit pays tokens out of escrow. Any part escrow cannot cover is minted, so Credit only
// fails on a negative amount.
func (tx *Tx) Credit(name string, amount float64) error {
	amount = Round(amount)
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	paid := math.Max(0, math.Min(tx.Balance(EscrowAccount).Tokens, amount))
	if paid > 0 {
		if err := tx.transfer(EscrowAccount, name, paid); err != nil {
			return err
		}
	}
	if short := Round(amount - paid); short > 0 {
		tx.mint(tx.account(name), short)
	}
	return nil
}

func (tx *Tx) transfer(from, to string, amount float64) error {
	amount = Round(amount)
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	src := tx.Balance(from)
	left, ok := subtract(src.Tokens, amount)
	if !ok {
		return fmt.Errorf("%s has %.4f, needs %.4f: %w", from, src.Tokens, amount, models.ErrInsufficientBalance)
	}
	tx.account(from).Tokens = Round(left)
	dst := tx.account(to)
	dst.Tokens = Round(dst.Tokens + amount)
	return nil
}

// Stake moves tokens into the account's escrowed stake.
func (tx *Tx) Stake(name string, amount float64) error {
	amount = Round(amount)
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	cur := tx.Balance(name)
	left, ok := subtract(cur.Tokens, amount)
	if !ok {
		return fmt.Errorf("stake %s: has %.4f, needs %.4f: %w", name, cur.Tokens, amount, models.ErrInsufficientBalance)
	}
	acc := tx.account(name)
	acc.Tokens = Round(left)
	acc.Staked = Round(acc.Staked + amount)
	return nil
}

// ReleaseStake moves amount out of stake, back to tokens or, when slashed, out of supply.
func (tx *Tx) ReleaseStake(name string, amount float64, slash bool) error {
	amount = Round(amount)
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	cur := tx.Balance(name)
	left, ok := subtract(cur.Staked, amount)
	if !ok {
		return fmt.Errorf("release %s: staked %.4f, needs %.4f: %w", name, cur.Staked, amount, models.ErrInsufficientStake)
	}
	acc := tx.account(name)
	acc.Staked = Round(left)
	if slash {
		tx.savePool()
		tx.l.burned = Round(tx.l.burned + amount)
		tx.l.pool.TokenSupply = Round(tx.l.pool.TokenSupply - amount)
		return nil
	}
	acc.Tokens = Round(acc.Tokens + amount)
	return nil
}

// Reserve holds a budget under key. Re-reserving adjusts by the delta.
func (tx *Tx) Reserve(key string, energy, compute float64) error {
	if energy < 0 || compute < 0 {
		return ErrInvalidAmount
	}
	prev := tx.l.reservations[key]
	dEnergy, dCompute := energy-prev.Energy, compute-prev.Compute
	pool := tx.l.pool
	if dEnergy > pool.EnergyAvailable+epsilon {
		return fmt.Errorf("reserve %s energy %.4f > available %.4f: %w", key, dEnergy, pool.EnergyAvailable, models.ErrCapacityExceeded)
	}
	if dCompute > pool.ComputeAvailable+epsilon {
		return fmt.Errorf("reserve %s compute %.4f > available %.4f: %w", key, dCompute, pool.ComputeAvailable, models.ErrCapacityExceeded)
	}
	tx.saveReservation(key)
	tx.savePool()
	tx.l.reservations[key] = Reservation{Energy: energy, Compute: compute}
	tx.l.pool.EnergyAvailable = clamp(pool.EnergyAvailable-dEnergy, 0, pool.EnergyCapacity)
	tx.l.pool.ComputeAvailable = clamp(pool.ComputeAvailable-dCompute, 0, pool.ComputeCapacity)
	tx.l.reprice()
	return nil
}

// Release returns the budget held under key. Unknown keys are ignored.
func (tx *Tx) Release(key string) {
	r, ok := tx.l.reservations[key]
	if !ok {
		return
	}
	tx.saveReservation(key)
	tx.savePool()
	delete(tx.l.reservations, key)
	tx.l.pool.EnergyAvailable = math.Min(tx.l.pool.EnergyCapacity, tx.l.pool.EnergyAvailable+r.Energy)
	tx.l.pool.ComputeAvailable = math.Min(tx.l.pool.ComputeCapacity, tx.l.pool.ComputeAvailable+r.Compute)
	tx.l.reprice()
}

// RecordUsage consumes directly from the pool and bumps the account's usage counters.
func (tx *Tx) RecordUsage(name string, energy, compute float64) error {
	if energy < 0 || compute < 0 {
		return ErrInvalidAmount
	}
	pool := tx.l.pool
	if energy > pool.EnergyAvailable+epsilon {
		return fmt.Errorf("usage by %s energy %.4f > available %.4f: %w", name, energy, pool.EnergyAvailable, models.ErrCapacityExceeded)
	}
	if compute > pool.ComputeAvailable+epsilon {
		return fmt.Errorf("usage by %s compute %.4f > available %.4f: %w", name, compute, pool.ComputeAvailable, models.ErrCapacityExceeded)
	}
	tx.savePool()
	acc := tx.account(name)
	acc.EnergyQuota += energy
	acc.ComputeQuota += compute
	tx.l.pool.EnergyAvailable = math.Max(0, pool.EnergyAvailable-energy)
	tx.l.pool.ComputeAvailable = math.Max(0, pool.ComputeAvailable-compute)
	tx.l.reprice()
	return nil
}

func subtract(have, want float64) (float64, bool) {
	if have+epsilon < want {
		return have, false
	}
	left := have - want
	if math.Abs(left) < epsilon {
		left = 0
	}
	return left, true
}
