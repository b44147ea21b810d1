package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testOffer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	testAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
)

type recorder[T any] struct {
	mu   sync.Mutex
	seen []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.seen...)
}

func (r *recorder[T]) len() int { return len(r.all()) }

// channelContract runs the behaviour every core.Channel must share.
func channelContract(t *testing.T, newChannel func(t *testing.T) core.Channel) {
	ctx := context.Background()

	t.Run("offer and answer are write once", func(t *testing.T) {
		ch := newChannel(t)
		sid := domain.SessionID("s-write-once")

		require.NoError(t, ch.WriteOffer(ctx, sid, "patient-1", testOffer))
		assert.ErrorIs(t, ch.WriteOffer(ctx, sid, "patient-1", testOffer), domain.ErrOfferExists)

		require.NoError(t, ch.WriteAnswer(ctx, sid, "doc-1", testAnswer))
		assert.ErrorIs(t, ch.WriteAnswer(ctx, sid, "doc-1", testAnswer), domain.ErrAnswerExists)

		s, err := ch.Get(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, s.Status)
		assert.Equal(t, domain.UserID("patient-1"), s.PatientID)
		assert.Equal(t, domain.UserID("doc-1"), s.ProviderID)
		require.NotNil(t, s.Offer)
		require.NotNil(t, s.Answer)
		assert.Equal(t, testOffer.SDP, s.Offer.SDP)
		assert.Equal(t, testAnswer.SDP, s.Answer.SDP)
	})

	t.Run("answer before offer is rejected", func(t *testing.T) {
		ch := newChannel(t)
		assert.ErrorIs(t, ch.WriteAnswer(ctx, "s-no-offer", "doc-1", testAnswer), domain.ErrNoOffer)
	})

	t.Run("get unknown session", func(t *testing.T) {
		ch := newChannel(t)
		_, err := ch.Get(ctx, "s-missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("ended is terminal and idempotent", func(t *testing.T) {
		ch := newChannel(t)
		sid := domain.SessionID("s-ended")

		require.NoError(t, ch.WriteOffer(ctx, sid, "patient-1", testOffer))
		require.NoError(t, ch.SetStatus(ctx, sid, domain.StatusEnded))
		require.NoError(t, ch.SetStatus(ctx, sid, domain.StatusEnded))

		assert.ErrorIs(t, ch.WriteAnswer(ctx, sid, "doc-1", testAnswer), domain.ErrSessionEnded)
		assert.ErrorIs(t, ch.SetStatus(ctx, sid, domain.StatusActive), domain.ErrSessionEnded)
		_, err := ch.AppendCandidate(ctx, sid, domain.Candidate{SenderID: "patient-1"})
		assert.ErrorIs(t, err, domain.ErrSessionEnded)
	})

	t.Run("invalid status", func(t *testing.T) {
		ch := newChannel(t)
		assert.ErrorIs(t, ch.SetStatus(ctx, "s-x", "paused"), domain.ErrInvalidStatus)
	})

	t.Run("subscribe before record exists", func(t *testing.T) {
		ch := newChannel(t)
		sid := domain.SessionID("s-sub")
		rec := &recorder[domain.Session]{}

		cancel, err := ch.Subscribe(ctx, sid, rec.add)
		require.NoError(t, err)
		defer cancel()

		first := rec.all()
		require.Len(t, first, 1, "first delivery happens before Subscribe returns")
		assert.Equal(t, domain.StatusPending, first[0].Status)
		assert.Nil(t, first[0].Offer)

		require.NoError(t, ch.WriteOffer(ctx, sid, "patient-1", testOffer))
		require.Eventually(t, func() bool {
			all := rec.all()
			return all[len(all)-1].Offer != nil
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, ch.WriteAnswer(ctx, sid, "doc-1", testAnswer))
		require.Eventually(t, func() bool {
			all := rec.all()
			last := all[len(all)-1]
			return last.Answer != nil && last.Status == domain.StatusActive
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("candidates keep append order with backlog", func(t *testing.T) {
		ch := newChannel(t)
		sid := domain.SessionID("s-cands")
		for i := 0; i < 3; i++ {
			_, err := ch.AppendCandidate(ctx, sid, domain.Candidate{
				SenderID: "patient-1",
				Init:     webrtc.ICECandidateInit{Candidate: "candidate:" + string(rune('a'+i))},
			})
			require.NoError(t, err)
		}

		rec := &recorder[domain.Candidate]{}
		cancel, err := ch.SubscribeCandidates(ctx, sid, rec.add)
		require.NoError(t, err)
		defer cancel()

		for i := 3; i < 6; i++ {
			_, err := ch.AppendCandidate(ctx, sid, domain.Candidate{
				SenderID: "doc-1",
				Init:     webrtc.ICECandidateInit{Candidate: "candidate:" + string(rune('a'+i))},
			})
			require.NoError(t, err)
		}

		require.Eventually(t, func() bool { return rec.len() == 6 }, 3*time.Second, 10*time.Millisecond)
		got := rec.all()
		ids := map[string]bool{}
		for i, c := range got {
			assert.Equal(t, "candidate:"+string(rune('a'+i)), c.Init.Candidate)
			assert.Equal(t, int64(i+1), c.Seq)
			assert.NotEmpty(t, c.ID)
			ids[c.ID] = true
		}
		assert.Len(t, ids, 6)
		assert.Equal(t, domain.UserID("doc-1"), got[5].SenderID)
	})

	t.Run("cancel stops delivery", func(t *testing.T) {
		ch := newChannel(t)
		sid := domain.SessionID("s-cancel")
		rec := &recorder[domain.Session]{}

		cancel, err := ch.Subscribe(ctx, sid, rec.add)
		require.NoError(t, err)
		cancel()
		cancel()

		require.NoError(t, ch.WriteOffer(ctx, sid, "patient-1", testOffer))
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, rec.len())
	})
}

func TestMemoryChannel(t *testing.T) {
	channelContract(t, func(t *testing.T) core.Channel {
		return NewMemory(time.Minute)
	})
}

func TestMemory_EndedSessionExpires(t *testing.T) {
	m := NewMemory(50 * time.Millisecond)
	ctx := context.Background()
	sid := domain.SessionID("s-expire")

	require.NoError(t, m.WriteOffer(ctx, sid, "patient-1", testOffer))
	require.NoError(t, m.SetStatus(ctx, sid, domain.StatusEnded))

	require.Eventually(t, func() bool {
		_, err := m.Get(ctx, sid)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.WriteOffer(ctx, "s", "p", testOffer), context.Canceled)
	_, err := m.Subscribe(ctx, "s", func(domain.Session) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_UnwrittenSessionDroppedWithLastSubscriber(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()
	sid := domain.SessionID("s-idle")

	cancelRec, err := m.Subscribe(ctx, sid, func(domain.Session) {})
	require.NoError(t, err)
	cancelCands, err := m.SubscribeCandidates(ctx, sid, func(domain.Candidate) {})
	require.NoError(t, err)
	assert.Equal(t, 1, m.docs.ItemCount())

	cancelRec()
	assert.Equal(t, 1, m.docs.ItemCount())
	cancelCands()
	assert.Zero(t, m.docs.ItemCount())
}

func TestMemory_OrphanCandidatesExpire(t *testing.T) {
	m := NewMemory(50 * time.Millisecond)
	ctx := context.Background()
	sid := domain.SessionID("s-orphan")

	_, err := m.AppendCandidate(ctx, sid, domain.Candidate{SenderID: "patient-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.docs.ItemCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMemory_WrittenSessionOutlivesSubscribers(t *testing.T) {
	m := NewMemory(50 * time.Millisecond)
	ctx := context.Background()
	sid := domain.SessionID("s-kept")

	_, err := m.AppendCandidate(ctx, sid, domain.Candidate{SenderID: "patient-1"})
	require.NoError(t, err)
	require.NoError(t, m.WriteOffer(ctx, sid, "patient-1", testOffer))
	cancel, err := m.Subscribe(ctx, sid, func(domain.Session) {})
	require.NoError(t, err)
	cancel()

	time.Sleep(150 * time.Millisecond)
	rec, err := m.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
}
