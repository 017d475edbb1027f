package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/moshi-moshi/backend/presence"
	"github.com/redis/go-redis/v9"
)

const (
	fieldUserID      = "user_id"
	fieldUsername    = "username"
	fieldStatus      = "status"
	fieldRate        = "rate"
	fieldRoomMessage = "room_message"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store keeps creator profiles as hashes under profile:<user id>.
type Store struct {
	client *redis.Client
}

func NewStore(cfg Config) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(userID string) string {
	return fmt.Sprintf("profile:%s", userID)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Join(presence.ErrStore, fmt.Errorf("failed to ping redis: %w", err))
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Put creates or replaces a profile.
func (s *Store) Put(ctx context.Context, p presence.Profile) error {
	err := s.client.HSet(ctx, key(p.UserID),
		fieldUserID, p.UserID,
		fieldUsername, p.Username,
		fieldStatus, p.Status.String(),
		fieldRate, p.Rate,
		fieldRoomMessage, p.RoomMessage,
	).Err()
	if err != nil {
		return errors.Join(presence.ErrStore, fmt.Errorf("failed to put profile: %w", err))
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*presence.Profile, error) {
	fields, err := s.client.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return nil, errors.Join(presence.ErrStore, fmt.Errorf("failed to get profile: %w", err))
	}
	if len(fields) == 0 {
		return nil, presence.ErrProfileNotFound
	}

	p := &presence.Profile{
		UserID:      userID,
		Username:    fields[fieldUsername],
		Rate:        fields[fieldRate],
		RoomMessage: fields[fieldRoomMessage],
	}
	if raw, ok := fields[fieldStatus]; ok && raw != "" {
		if p.Status, err = presence.ParseStatus(raw); err != nil {
			return nil, errors.Join(presence.ErrStore, err)
		}
	}
	return p, nil
}

func (s *Store) SetStatus(ctx context.Context, userID string, status presence.Status) error {
	return s.setField(ctx, userID, fieldStatus, status.String())
}

func (s *Store) SetRoomMessage(ctx context.Context, userID string, text string) error {
	return s.setField(ctx, userID, fieldRoomMessage, text)
}

func (s *Store) setField(ctx context.Context, userID, field, value string) error {
	k := key(userID)
	exists, err := s.client.Exists(ctx, k).Result()
	if err != nil {
		return errors.Join(presence.ErrStore, fmt.Errorf("failed to check profile: %w", err))
	}
	if exists == 0 {
		return presence.ErrProfileNotFound
	}
	if err = s.client.HSet(ctx, k, field, value).Err(); err != nil {
		return errors.Join(presence.ErrStore, fmt.Errorf("failed to update %s: %w", field, err))
	}
	return nil
}
