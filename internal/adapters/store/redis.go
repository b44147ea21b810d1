package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Script results shared by the write scripts.
const (
	resOK = iota
	resEnded
	resOfferExists
	resAnswerExists
	resNoOffer
	resUnchanged
)

var writeOfferScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st == 'ended' then return 1 end
if redis.call('HEXISTS', KEYS[1], 'offer') == 1 then return 2 end
if not st then
  redis.call('HSET', KEYS[1], 'status', 'pending', 'created_at', ARGV[3])
end
redis.call('HSET', KEYS[1], 'offer', ARGV[1], 'patient_id', ARGV[2], 'updated_at', ARGV[3])
return 0
`)

var writeAnswerScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st == 'ended' then return 1 end
if redis.call('HEXISTS', KEYS[1], 'answer') == 1 then return 3 end
if redis.call('HEXISTS', KEYS[1], 'offer') == 0 then return 4 end
redis.call('HSET', KEYS[1], 'answer', ARGV[1], 'provider_id', ARGV[2], 'status', 'active', 'updated_at', ARGV[3])
return 0
`)

var setStatusScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st == ARGV[1] then return 5 end
if st == 'ended' then return 1 end
if not st then
  redis.call('HSET', KEYS[1], 'created_at', ARGV[2])
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
if ARGV[1] == 'ended' and tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
  redis.call('EXPIRE', KEYS[3], ARGV[3])
  redis.call('EXPIRE', KEYS[4], ARGV[3])
end
return 0
`)

var appendCandidateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'ended' then return false end
local seq = redis.call('INCR', KEYS[4])
redis.call('XADD', KEYS[3], '*', 'id', ARGV[1], 'seq', tostring(seq), 'sender_id', ARGV[2], 'candidate', ARGV[3], 'created_at', ARGV[4])
return seq
`)

type redisKeys struct {
	doc, events, candidates, seq string
}

func (k redisKeys) all() []string { return []string{k.doc, k.events, k.candidates, k.seq} }

// Redis is a core.Channel shared across processes. The record lives in a hash,
// candidates in a stream, and every successful record write is announced on a
// pub/sub channel after the script commits.
type Redis struct {
	rdb      *redis.Client
	prefix   string
	endedTTL time.Duration
	block    time.Duration
	log      zerolog.Logger
}

var _ core.Channel = (*Redis)(nil)

func NewRedis(rdb *redis.Client, prefix string, endedTTL time.Duration) *Redis {
	if prefix == "" {
		prefix = "televisit"
	}
	return &Redis{
		rdb:      rdb,
		prefix:   prefix,
		endedTTL: endedTTL,
		block:    2 * time.Second,
		log:      log.With().Str("module", "store.redis").Logger(),
	}
}

func (r *Redis) keys(sid domain.SessionID) redisKeys {
	base := fmt.Sprintf("%s:session:{%s}", r.prefix, sid)
	return redisKeys{
		doc:        base,
		events:     base + ":events",
		candidates: base + ":candidates",
		seq:        base + ":cand_seq",
	}
}

func nowString() string { return strconv.FormatInt(time.Now().UnixMilli(), 10) }

func scriptError(res int) error {
	switch res {
	case resOK, resUnchanged:
		return nil
	case resEnded:
		return domain.ErrSessionEnded
	case resOfferExists:
		return domain.ErrOfferExists
	case resAnswerExists:
		return domain.ErrAnswerExists
	case resNoOffer:
		return domain.ErrNoOffer
	}
	return fmt.Errorf("unexpected script result %d", res)
}

func (r *Redis) notify(ctx context.Context, sid domain.SessionID, what string) {
	if err := r.rdb.Publish(ctx, r.keys(sid).events, what).Err(); err != nil {
		r.log.Warn().Err(err).Str("session", string(sid)).Str("change", what).Msg("publish change")
	}
}

func (r *Redis) WriteOffer(ctx context.Context, sid domain.SessionID, from domain.UserID, offer webrtc.SessionDescription) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	k := r.keys(sid)
	res, err := writeOfferScript.Run(ctx, r.rdb, k.all(), string(raw), string(from), nowString()).Int()
	if err != nil {
		return fmt.Errorf("write offer: %w", err)
	}
	if res == resOK {
		r.notify(ctx, sid, "offer")
	}
	return scriptError(res)
}

func (r *Redis) WriteAnswer(ctx context.Context, sid domain.SessionID, from domain.UserID, answer webrtc.SessionDescription) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	k := r.keys(sid)
	res, err := writeAnswerScript.Run(ctx, r.rdb, k.all(), string(raw), string(from), nowString()).Int()
	if err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	if res == resOK {
		r.notify(ctx, sid, "answer")
	}
	return scriptError(res)
}

func (r *Redis) SetStatus(ctx context.Context, sid domain.SessionID, status domain.SessionStatus) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	k := r.keys(sid)
	ttl := int64(r.endedTTL / time.Second)
	res, err := setStatusScript.Run(ctx, r.rdb, k.all(), string(status), nowString(), ttl).Int()
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if res == resOK {
		r.notify(ctx, sid, string(status))
	}
	return scriptError(res)
}

func (r *Redis) AppendCandidate(ctx context.Context, sid domain.SessionID, c domain.Candidate) (domain.Candidate, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	raw, err := json.Marshal(c.Init)
	if err != nil {
		return domain.Candidate{}, err
	}
	now := time.Now()
	k := r.keys(sid)
	seq, err := appendCandidateScript.Run(ctx, r.rdb, k.all(),
		c.ID, string(c.SenderID), string(raw), strconv.FormatInt(now.UnixMilli(), 10)).Int64()
	if errors.Is(err, redis.Nil) {
		return domain.Candidate{}, domain.ErrSessionEnded
	}
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("append candidate: %w", err)
	}
	c.Seq = seq
	c.CreatedAt = time.UnixMilli(now.UnixMilli())
	return c, nil
}

func (r *Redis) Get(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	fields, err := r.rdb.HGetAll(ctx, r.keys(sid).doc).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	if _, ok := fields["status"]; !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return decodeSession(sid, fields)
}

func decodeSession(sid domain.SessionID, f map[string]string) (domain.Session, error) {
	s := domain.Session{
		ID:         sid,
		Status:     domain.SessionStatus(f["status"]),
		PatientID:  domain.UserID(f["patient_id"]),
		ProviderID: domain.UserID(f["provider_id"]),
		CreatedAt:  parseMillis(f["created_at"]),
		UpdatedAt:  parseMillis(f["updated_at"]),
	}
	if raw, ok := f["offer"]; ok {
		var sd webrtc.SessionDescription
		if err := json.Unmarshal([]byte(raw), &sd); err != nil {
			return domain.Session{}, fmt.Errorf("decode offer: %w", err)
		}
		s.Offer = &sd
	}
	if raw, ok := f["answer"]; ok {
		var sd webrtc.SessionDescription
		if err := json.Unmarshal([]byte(raw), &sd); err != nil {
			return domain.Session{}, fmt.Errorf("decode answer: %w", err)
		}
		s.Answer = &sd
	}
	return s, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (r *Redis) snapshot(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	s, err := r.Get(ctx, sid)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.PendingSession(sid), nil
	}
	return s, err
}

// Subscribe re-reads the record after each notification, so bursts of writes
// may be observed as fewer, newer snapshots.
func (r *Redis) Subscribe(ctx context.Context, sid domain.SessionID, fn func(domain.Session)) (core.CancelFunc, error) {
	k := r.keys(sid)
	ps := r.rdb.Subscribe(ctx, k.events)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	first, err := r.snapshot(ctx, sid)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	fn(first)

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				snap, err := r.snapshot(subCtx, sid)
				if err != nil {
					if subCtx.Err() == nil {
						r.log.Error().Err(err).Str("session", string(sid)).Msg("snapshot after notification")
					}
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				fn(snap)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
			<-done
		})
	}, nil
}

// SubscribeCandidates tails the candidate stream from the start. Cancel does
// not wait for a pending XREAD BLOCK; deliveries stop once it returns and the
// reader exits when the block expires.
func (r *Redis) SubscribeCandidates(ctx context.Context, sid domain.SessionID, fn func(domain.Candidate)) (core.CancelFunc, error) {
	k := r.keys(sid)
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// deliverMu orders fn calls against cancel.
	var deliverMu sync.Mutex
	deliver := func(c domain.Candidate) bool {
		deliverMu.Lock()
		defer deliverMu.Unlock()
		if subCtx.Err() != nil {
			return false
		}
		fn(c)
		return true
	}

	go func() {
		last := "0"
		for subCtx.Err() == nil {
			streams, err := r.rdb.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{k.candidates, last},
				Count:   64,
				Block:   r.block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				r.log.Error().Err(err).Str("session", string(sid)).Msg("read candidates")
				select {
				case <-subCtx.Done():
					return
				case <-time.After(500 * time.Millisecond):
				}
				continue
			}
			for _, st := range streams {
				for _, msg := range st.Messages {
					last = msg.ID
					c, err := decodeCandidate(msg.Values)
					if err != nil {
						r.log.Error().Err(err).Str("session", string(sid)).Str("entry", msg.ID).Msg("bad candidate entry")
						continue
					}
					if !deliver(c) {
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			deliverMu.Lock()
			deliverMu.Unlock()
		})
	}, nil
}

func decodeCandidate(v map[string]interface{}) (domain.Candidate, error) {
	str := func(key string) string {
		s, _ := v[key].(string)
		return s
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(str("candidate")), &init); err != nil {
		return domain.Candidate{}, err
	}
	seq, _ := strconv.ParseInt(str("seq"), 10, 64)
	return domain.Candidate{
		ID:        str("id"),
		Seq:       seq,
		SenderID:  domain.UserID(str("sender_id")),
		Init:      init,
		CreatedAt: parseMillis(str("created_at")),
	}, nil
}
