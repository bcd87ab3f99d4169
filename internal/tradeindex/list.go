package tradeindex

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"swap2p/internal/wallet"
)

// FailureNotice is the single notification raised when a refresh fails.
const FailureNotice = "Something went wrong :("

// Notifier shows a transient message to the user.
type Notifier interface {
	Notify(msg string)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) { f(msg) }

// List is the displayed page of trades. It is only populated while a wallet
// session is connected and is emptied on failure, disconnect or chain change.
type List struct {
	fetcher  Fetcher
	session  *wallet.Session
	notifier Notifier
	page     Page
	log      *zap.Logger

	mu      sync.RWMutex
	records []EscrowRecord
}

func NewList(fetcher Fetcher, session *wallet.Session, notifier Notifier, log *zap.Logger) *List {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(string) {})
	}
	return &List{
		fetcher:  fetcher,
		session:  session,
		notifier: notifier,
		page:     DefaultPage,
		log:      log,
	}
}

// Records returns a copy of the current page.
func (l *List) Records() []EscrowRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]EscrowRecord(nil), l.records...)
}

// Refresh reloads the default page. Without a connected session the list is
// cleared and ErrNotConnected returned without contacting the backend.
func (l *List) Refresh(ctx context.Context) ([]EscrowRecord, error) {
	if _, err := l.session.Snapshot(); err != nil {
		l.set(nil)
		return nil, err
	}

	recs, err := l.fetcher.Fetch(ctx, l.page)
	if err != nil {
		l.set(nil)
		l.log.Warn("trade list refresh failed", zap.Error(err))
		l.notifier.Notify(FailureNotice)
		return nil, err
	}
	l.set(recs)
	return l.Records(), nil
}

// Run follows the session until ctx ends: it clears the list on every
// session event and reloads it whenever an account is connected.
func (l *List) Run(ctx context.Context) error {
	events, cancel := l.session.Subscribe()
	defer cancel()

	// Refresh logs and notifies on its own
	if _, err := l.session.Snapshot(); err == nil {
		_, _ = l.Refresh(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			l.set(nil)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.set(nil)
			l.log.Debug("session changed, trade list cleared", zap.Stringer("event", ev.Kind))
			if ev.Kind == wallet.EventDisconnected {
				continue
			}
			_, _ = l.Refresh(ctx)
		}
	}
}

func (l *List) set(recs []EscrowRecord) {
	l.mu.Lock()
	l.records = recs
	l.mu.Unlock()
}
