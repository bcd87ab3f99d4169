package wallet

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotConnected is returned when no account or chain is selected.
var ErrNotConnected = errors.New("wallet not connected")

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventChainChanged
	EventAccountChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventChainChanged:
		return "chain_changed"
	case EventAccountChanged:
		return "account_changed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Account common.Address
	ChainID *big.Int
}

// Snapshot is the account and chain in effect at one moment.
type Snapshot struct {
	Account common.Address
	ChainID *big.Int
}

// Session holds the connected account and active chain. It replaces any
// ambient wallet globals: whoever needs the account gets the Session.
type Session struct {
	mu        sync.RWMutex
	connected bool
	account   common.Address
	chainID   *big.Int
	subs      map[int]chan Event
	nextSub   int
}

func NewSession() *Session {
	return &Session{subs: make(map[int]chan Event)}
}

// Connect selects account on chainID.
func (s *Session) Connect(account common.Address, chainID *big.Int) {
	s.mu.Lock()
	s.connected = true
	s.account = account
	s.chainID = new(big.Int).Set(chainID)
	ev := Event{Kind: EventConnected, Account: account, ChainID: new(big.Int).Set(chainID)}
	s.mu.Unlock()
	s.publish(ev)
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.account = common.Address{}
	s.chainID = nil
	s.mu.Unlock()
	s.publish(Event{Kind: EventDisconnected})
}

// ChangeChain records a chain switch made in the wallet.
func (s *Session) ChangeChain(chainID *big.Int) {
	s.mu.Lock()
	if s.chainID != nil && s.chainID.Cmp(chainID) == 0 {
		s.mu.Unlock()
		return
	}
	s.chainID = new(big.Int).Set(chainID)
	ev := Event{Kind: EventChainChanged, Account: s.account, ChainID: new(big.Int).Set(chainID)}
	s.mu.Unlock()
	s.publish(ev)
}

// ChangeAccount records a different account selected in the wallet.
func (s *Session) ChangeAccount(account common.Address) {
	s.mu.Lock()
	if s.account == account {
		s.mu.Unlock()
		return
	}
	s.account = account
	ev := Event{Kind: EventAccountChanged, Account: account}
	if s.chainID != nil {
		ev.ChainID = new(big.Int).Set(s.chainID)
	}
	s.mu.Unlock()
	s.publish(ev)
}

// Snapshot returns the current account and chain, or ErrNotConnected.
func (s *Session) Snapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.chainID == nil || s.account == (common.Address{}) {
		return Snapshot{}, ErrNotConnected
	}
	return Snapshot{Account: s.account, ChainID: new(big.Int).Set(s.chainID)}, nil
}

// Subscribe delivers lifecycle events. Slow subscribers miss events rather
// than blocking the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Session) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
