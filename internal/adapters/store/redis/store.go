// Package redis is a core.Store on Redis. A room is a hash plus a member set;
// writes that must not create a room run as Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
)

var _ core.Store = (*Store)(nil)

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var (
	createScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'created_at', ARGV[2], 'updated_at', ARGV[2])
		if ARGV[3] ~= '' then
			redis.call('HSET', KEYS[1], 'canvas', ARGV[3])
		end
		for i = 4, #ARGV do
			redis.call('SADD', KEYS[2], ARGV[i])
		end
		return 1
	`)

	saveScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'canvas', ARGV[1], 'updated_at', ARGV[2])
		return 1
	`)

	memberScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call(ARGV[1], KEYS[2], ARGV[2])
		return 1
	`)
)

func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewWithClient(client, opts.Prefix)
}

func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "whiteboard"
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Ping checks connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("module", "store.redis").Str("prefix", s.prefix).Msg("redis connected")
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) roomKey(id domain.RoomID) string {
	return fmt.Sprintf("%s:room:%s", s.prefix, id)
}

func (s *Store) membersKey(id domain.RoomID) string {
	return s.roomKey(id) + ":members"
}

func (s *Store) Create(ctx context.Context, rec domain.Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	args := []any{string(rec.Owner), created.UnixMilli(), string(rec.Canvas)}
	for _, u := range rec.Members {
		args = append(args, string(u))
	}

	ok, err := createScript.Run(ctx, s.client, []string{s.roomKey(rec.ID), s.membersKey(rec.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("create %s: %w", rec.ID, err)
	}
	if ok == 0 {
		return domain.ErrRoomExists
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id domain.RoomID) (*domain.Record, error) {
	var (
		fields  *redis.MapStringStringCmd
		members *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, s.roomKey(id))
		members = p.SMembers(ctx, s.membersKey(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	h := fields.Val()
	if len(h) == 0 {
		return nil, domain.ErrRoomNotFound
	}
	rec := &domain.Record{
		ID:        id,
		Owner:     domain.UserID(h["owner"]),
		CreatedAt: unixMilli(h["created_at"]),
		UpdatedAt: unixMilli(h["updated_at"]),
	}
	if c, ok := h["canvas"]; ok && c != "" {
		rec.Canvas = json.RawMessage(c)
	}
	for _, u := range members.Val() {
		rec.Members = append(rec.Members, domain.UserID(u))
	}
	slices.Sort(rec.Members)
	return rec, nil
}

func (s *Store) Save(ctx context.Context, id domain.RoomID, canvas json.RawMessage) error {
	ok, err := saveScript.Run(ctx, s.client, []string{s.roomKey(id)}, string(canvas), s.now().UTC().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	if ok == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id domain.RoomID) error {
	var room *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		room = p.Del(ctx, s.roomKey(id))
		p.Del(ctx, s.membersKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if room.Val() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	return s.member(ctx, "SADD", id, user)
}

func (s *Store) RemoveMember(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	return s.member(ctx, "SREM", id, user)
}

func (s *Store) member(ctx context.Context, op string, id domain.RoomID, user domain.UserID) error {
	ok, err := memberScript.Run(ctx, s.client, []string{s.roomKey(id), s.membersKey(id)}, op, string(user)).Int()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if ok == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func unixMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
