// Package book keeps the authoritative in-memory copy of every account's
// state and writes each change through to the repository.
//
// Committed states are never mutated in place: Update hands the caller a deep
// copy, persists it, and only then swaps it in. A failed command therefore
// leaves no trace. Entities are indexed by kind and status so the scheduler
// visits only accounts with open work.
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Kind names an indexed entity family.
type Kind string

const (
	KindBinary     Kind = "binary"
	KindP2P        Kind = "p2p"
	KindInvestment Kind = "investment"
	KindCopy       Kind = "copy"
)

// ErrNoChange may be returned from an Update callback to skip the commit.
// Update then returns nil.
var ErrNoChange = errors.New("book: no change")

// ErrSameAccount is returned by UpdatePair when both IDs are equal.
var ErrSameAccount = fmt.Errorf("book: pair update on a single account: %w", model.ErrValidation)

// ErrInvalidAccount is returned when a write names a blank account ID.
var ErrInvalidAccount = fmt.Errorf("book: account id must not be empty: %w", model.ErrValidation)

// Ref locates an entity.
type Ref struct {
	AccountID string
	EntityID  string
}

// Filter selects entities of one kind in one status.
type Filter struct {
	Kind   Kind
	Status string
}

type indexKey struct {
	kind   Kind
	status string
}

// Book is safe for concurrent use. Writers to the same account are
// serialized; writers to different accounts proceed in parallel.
type Book struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*model.AccountState
	locks    map[string]*sync.Mutex
	owners   map[string]string
	index    map[indexKey]map[string]string // entity ID → account ID
}

// New creates an empty book over st.
func New(st store.Store, logger *slog.Logger) *Book {
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		store:    st,
		logger:   logger.With("component", "book"),
		accounts: make(map[string]*model.AccountState),
		locks:    make(map[string]*sync.Mutex),
		owners:   make(map[string]string),
		index:    make(map[indexKey]map[string]string),
	}
}

// Warm loads every persisted account into the book.
func (b *Book) Warm(ctx context.Context) error {
	ids, err := b.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, id := range ids {
		l := b.lockFor(id)
		l.Lock()
		_, err := b.current(ctx, id)
		l.Unlock()
		if err != nil {
			return err
		}
	}
	b.logger.Info("book warmed", "accounts", len(ids))
	return nil
}

// View returns a deep copy of the account's committed state. Accounts that
// have never been written read as empty and are not cached.
func (b *Book) View(ctx context.Context, accountID string) (*model.AccountState, error) {
	b.mu.RLock()
	st, ok := b.accounts[accountID]
	b.mu.RUnlock()
	if ok {
		return st.Clone(), nil
	}

	l := b.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	b.mu.RLock()
	st, ok = b.accounts[accountID]
	b.mu.RUnlock()
	if ok {
		return st.Clone(), nil
	}
	st, err := b.store.Load(ctx, accountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.NewAccountState(accountID), nil
	case err != nil:
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}
	b.cache(st)
	return st.Clone(), nil
}

// Update applies fn to a copy of the account's state and commits it. The
// commit persists the copy with the next version, then publishes it to
// readers. If fn or the save fails, the committed state is untouched.
func (b *Book) Update(ctx context.Context, accountID string, fn func(*model.AccountState) error) error {
	if blank(accountID) {
		return ErrInvalidAccount
	}
	l := b.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	cur, err := b.current(ctx, accountID)
	if err != nil {
		return err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	next.Version = cur.Version + 1

	if err := b.store.Save(ctx, accountID, next); err != nil {
		b.saveFailed(err, accountID)
		return fmt.Errorf("save account %s: %w", accountID, err)
	}
	b.commit(cur, next)
	return nil
}

// UpdatePair applies fn to copies of two distinct accounts and commits both
// or neither. Locks are taken in account ID order.
func (b *Book) UpdatePair(ctx context.Context, first, second string, fn func(a, c *model.AccountState) error) error {
	if blank(first) || blank(second) {
		return ErrInvalidAccount
	}
	if first == second {
		return ErrSameAccount
	}
	lo, hi := first, second
	if hi < lo {
		lo, hi = hi, lo
	}
	l1, l2 := b.lockFor(lo), b.lockFor(hi)
	l1.Lock()
	defer l1.Unlock()
	l2.Lock()
	defer l2.Unlock()

	curA, err := b.current(ctx, first)
	if err != nil {
		return err
	}
	curB, err := b.current(ctx, second)
	if err != nil {
		return err
	}
	nextA, nextB := curA.Clone(), curB.Clone()
	if err := fn(nextA, nextB); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	nextA.Version = curA.Version + 1
	nextB.Version = curB.Version + 1

	if err := b.store.SaveBatch(ctx, nextA, nextB); err != nil {
		b.saveFailed(err, first, second)
		return fmt.Errorf("save accounts %s, %s: %w", first, second, err)
	}
	b.commit(curA, nextA)
	b.commit(curB, nextB)
	return nil
}

// Owner returns the account holding entityID.
func (b *Book) Owner(entityID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.owners[entityID]
	return id, ok
}

// Scan lists entities of kind in status, ordered by account then entity.
func (b *Book) Scan(kind Kind, status string) []Ref {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.index[indexKey{kind, status}]
	refs := make([]Ref, 0, len(set))
	for entity, account := range set {
		refs = append(refs, Ref{AccountID: account, EntityID: entity})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].AccountID != refs[j].AccountID {
			return refs[i].AccountID < refs[j].AccountID
		}
		return refs[i].EntityID < refs[j].EntityID
	})
	return refs
}

// AccountsWith returns, sorted, the accounts holding at least one entity
// matching any filter.
func (b *Book) AccountsWith(filters ...Filter) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, f := range filters {
		for _, account := range b.index[indexKey{f.Kind, f.Status}] {
			seen[account] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Accounts returns the IDs of all accounts in the book, sorted.
func (b *Book) Accounts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.accounts))
	for id := range b.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// current returns the committed state, loading it on first use. The caller
// must hold the account lock.
func (b *Book) current(ctx context.Context, accountID string) (*model.AccountState, error) {
	b.mu.RLock()
	st, ok := b.accounts[accountID]
	b.mu.RUnlock()
	if ok {
		return st, nil
	}

	st, err := b.store.Load(ctx, accountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = model.NewAccountState(accountID)
	case err != nil:
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}
	b.cache(st)
	return st, nil
}

func (b *Book) cache(st *model.AccountState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[st.Account.ID] = st
	b.reindexLocked(nil, st)
	metrics.OpenAccounts.Set(float64(len(b.accounts)))
}

func blank(accountID string) bool {
	return strings.TrimSpace(accountID) == ""
}

func (b *Book) commit(prev, next *model.AccountState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[next.Account.ID] = next
	b.reindexLocked(prev, next)
}

// saveFailed drops cached states after a version conflict so the next access
// reloads what another writer persisted.
func (b *Book) saveFailed(err error, accountIDs ...string) {
	if !errors.Is(err, store.ErrVersionConflict) {
		b.logger.Error("save failed", "accounts", accountIDs, "error", err)
		return
	}
	b.logger.Warn("version conflict, reloading", "accounts", accountIDs)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range accountIDs {
		if st, ok := b.accounts[id]; ok {
			b.reindexLocked(st, nil)
			delete(b.accounts, id)
		}
	}
}

// reindexLocked replaces prev's index entries with next's. Either may be nil.
func (b *Book) reindexLocked(prev, next *model.AccountState) {
	if prev != nil {
		for _, e := range entries(prev) {
			delete(b.index[e.key], e.id)
			delete(b.owners, e.id)
		}
	}
	if next == nil {
		return
	}
	account := next.Account.ID
	for _, e := range entries(next) {
		set, ok := b.index[e.key]
		if !ok {
			set = make(map[string]string)
			b.index[e.key] = set
		}
		set[e.id] = account
		b.owners[e.id] = account
	}
}

type entry struct {
	key indexKey
	id  string
}

func entries(st *model.AccountState) []entry {
	out := make([]entry, 0, len(st.Binary)+len(st.P2P)+len(st.Investments)+len(st.Copies))
	for _, p := range st.Binary {
		out = append(out, entry{indexKey{KindBinary, string(p.Status)}, p.ID})
	}
	for _, o := range st.P2P {
		out = append(out, entry{indexKey{KindP2P, string(o.Status)}, o.ID})
	}
	for _, inv := range st.Investments {
		out = append(out, entry{indexKey{KindInvestment, string(inv.Status)}, inv.ID})
	}
	for _, c := range st.Copies {
		out = append(out, entry{indexKey{KindCopy, string(c.Status)}, c.ID})
	}
	return out
}

func (b *Book) lockFor(accountID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[accountID] = l
	}
	return l
}
