package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/televisit/internal/adapters/mailbox"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sessionEntry is the in-memory signaling document of one session.
// exists stays false until the first offer write; subscribers may attach earlier.
type sessionEntry struct {
	session    domain.Session
	exists     bool
	candidates []domain.Candidate

	nextSub  int
	subs     map[int]*mailbox.Mailbox[domain.Session]
	candSubs map[int]*mailbox.Mailbox[domain.Candidate]

	// dropped is set before an unwritten entry is deleted from the cache.
	dropped atomic.Bool
}

func (e *sessionEntry) snapshot() domain.Session {
	if !e.exists {
		return domain.PendingSession(e.session.ID)
	}
	return e.session.Clone()
}

func (e *sessionEntry) closeAll() {
	for id, mb := range e.subs {
		mb.Close()
		delete(e.subs, id)
	}
	for id, mb := range e.candSubs {
		mb.Close()
		delete(e.candSubs, id)
	}
}

// Memory is a process-local core.Channel. Ended sessions expire after endedTTL.
// Entries no offer or status was written to live while they have subscribers;
// without subscribers they are dropped, or expire after endedTTL when they
// hold candidates.
type Memory struct {
	mu       sync.Mutex
	docs     *cache.Cache
	endedTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

var _ core.Channel = (*Memory)(nil)

func NewMemory(endedTTL time.Duration) *Memory {
	if endedTTL <= 0 {
		endedTTL = time.Hour
	}
	m := &Memory{
		docs:     cache.New(cache.NoExpiration, endedTTL/2),
		endedTTL: endedTTL,
		now:      time.Now,
		log:      log.With().Str("module", "store.memory").Logger(),
	}
	m.docs.OnEvicted(func(sid string, v interface{}) {
		e := v.(*sessionEntry)
		if e.dropped.Load() {
			return
		}
		// go-cache calls this outside its own lock.
		m.mu.Lock()
		e.closeAll()
		m.mu.Unlock()
		m.log.Debug().Str("session", sid).Msg("ended session evicted")
	})
	return m
}

// getOrCreate must be called with m.mu held.
func (m *Memory) getOrCreate(sid domain.SessionID) *sessionEntry {
	if v, ok := m.docs.Get(string(sid)); ok {
		return v.(*sessionEntry)
	}
	e := &sessionEntry{
		session:  domain.PendingSession(sid),
		subs:     make(map[int]*mailbox.Mailbox[domain.Session]),
		candSubs: make(map[int]*mailbox.Mailbox[domain.Candidate]),
	}
	m.docs.Set(string(sid), e, cache.NoExpiration)
	return e
}

// retainLocked sets the cache lifetime of an unwritten entry. Must be called
// with m.mu held.
func (m *Memory) retainLocked(e *sessionEntry) {
	if e.exists {
		return
	}
	sid := string(e.session.ID)
	switch {
	case len(e.subs)+len(e.candSubs) > 0:
		m.docs.Set(sid, e, cache.NoExpiration)
	case len(e.candidates) > 0:
		m.docs.Set(sid, e, m.endedTTL)
	default:
		e.dropped.Store(true)
		m.docs.Delete(sid)
	}
}

// publishLocked must be called with m.mu held.
func (m *Memory) publishLocked(e *sessionEntry) {
	snap := e.snapshot()
	for _, mb := range e.subs {
		mb.Push(snap.Clone())
	}
}

func (m *Memory) WriteOffer(ctx context.Context, sid domain.SessionID, from domain.UserID, offer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.getOrCreate(sid)
	if e.session.Ended() {
		return domain.ErrSessionEnded
	}
	if e.session.Offer != nil {
		return domain.ErrOfferExists
	}
	now := m.now()
	if !e.exists {
		e.exists = true
		e.session.Status = domain.StatusPending
		e.session.CreatedAt = now
		m.docs.Set(string(sid), e, cache.NoExpiration)
	}
	e.session.Offer = &offer
	e.session.PatientID = from
	e.session.UpdatedAt = now
	m.publishLocked(e)
	m.log.Info().Str("session", string(sid)).Str("from", string(from)).Msg("offer written")
	return nil
}

func (m *Memory) WriteAnswer(ctx context.Context, sid domain.SessionID, from domain.UserID, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.getOrCreate(sid)
	if e.session.Ended() {
		return domain.ErrSessionEnded
	}
	if e.session.Answer != nil {
		return domain.ErrAnswerExists
	}
	if e.session.Offer == nil {
		return domain.ErrNoOffer
	}
	e.session.Answer = &answer
	e.session.ProviderID = from
	e.session.Status = domain.StatusActive
	e.session.UpdatedAt = m.now()
	m.publishLocked(e)
	m.log.Info().Str("session", string(sid)).Str("from", string(from)).Msg("answer written")
	return nil
}

func (m *Memory) AppendCandidate(ctx context.Context, sid domain.SessionID, c domain.Candidate) (domain.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return domain.Candidate{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.getOrCreate(sid)
	if e.session.Ended() {
		return domain.Candidate{}, domain.ErrSessionEnded
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Seq = int64(len(e.candidates)) + 1
	c.CreatedAt = m.now()
	e.candidates = append(e.candidates, c)
	for _, mb := range e.candSubs {
		mb.Push(c)
	}
	m.retainLocked(e)
	return c, nil
}

func (m *Memory) SetStatus(ctx context.Context, sid domain.SessionID, status domain.SessionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.getOrCreate(sid)
	if e.session.Status == status {
		return nil
	}
	if e.session.Ended() {
		return domain.ErrSessionEnded
	}
	now := m.now()
	if !e.exists {
		e.exists = true
		e.session.CreatedAt = now
	}
	e.session.Status = status
	e.session.UpdatedAt = now
	m.publishLocked(e)
	if status == domain.StatusEnded {
		m.docs.Set(string(sid), e, m.endedTTL)
	} else {
		m.docs.Set(string(sid), e, cache.NoExpiration)
	}
	m.log.Info().Str("session", string(sid)).Str("status", string(status)).Msg("status changed")
	return nil
}

func (m *Memory) Get(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.docs.Get(string(sid))
	if !ok || !v.(*sessionEntry).exists {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return v.(*sessionEntry).snapshot(), nil
}

func (m *Memory) Subscribe(ctx context.Context, sid domain.SessionID, fn func(domain.Session)) (core.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mb := mailbox.New(fn)

	m.mu.Lock()
	e := m.getOrCreate(sid)
	id := e.nextSub
	e.nextSub++
	e.subs[id] = mb
	m.retainLocked(e)
	first := e.snapshot()
	m.mu.Unlock()

	// Changes racing with this first delivery wait in the paused mailbox.
	fn(first)
	mb.Start()

	return m.cancel(e, func() { delete(e.subs, id) }, mb.Close), nil
}

func (m *Memory) SubscribeCandidates(ctx context.Context, sid domain.SessionID, fn func(domain.Candidate)) (core.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mb := mailbox.New(fn)

	m.mu.Lock()
	e := m.getOrCreate(sid)
	id := e.nextSub
	e.nextSub++
	for _, c := range e.candidates {
		mb.Push(c)
	}
	e.candSubs[id] = mb
	m.retainLocked(e)
	m.mu.Unlock()

	mb.Start()
	return m.cancel(e, func() { delete(e.candSubs, id) }, mb.Close), nil
}

func (m *Memory) cancel(e *sessionEntry, remove func(), closeFn func()) core.CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			remove()
			if !e.dropped.Load() {
				m.retainLocked(e)
			}
			m.mu.Unlock()
			closeFn()
		})
	}
}
