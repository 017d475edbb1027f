package service

import (
	"context"
	"errors"
	"strings"

	"github.com/adwski/moshi-moshi/backend/model"
	"github.com/rs/zerolog"
)

const (
	maxIdentityLength = 64
)

var (
	ErrEmptyIdentity   = errors.New("identity is empty")
	ErrInvalidIdentity = errors.New("identity contains forbidden characters")
	ErrConnect         = errors.New("unable to connect")
	ErrDisconnect      = errors.New("unable to disconnect")
)

type (
	Switch interface {
		Connect(ctx context.Context, endpoint string, wire model.Wire) error
		Disconnect(endpoint string, wire model.Wire) error
	}

	Service struct {
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		Switch Switch
		Logger *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

// ValidateIdentity checks that identity can be used as a rendezvous id.
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}
	if len(identity) > maxIdentityLength {
		return ErrInvalidIdentity
	}
	for _, r := range identity {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ErrInvalidIdentity
		}
	}
	return nil
}

func (svc *Service) CreateSignalingSession(ctx context.Context, identity string, wire model.Wire) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	if err := svc.sw.Connect(ctx, identity, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("identity", identity).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(_ context.Context, identity string, wire model.Wire) error {
	if err := svc.sw.Disconnect(identity, wire); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("identity", identity).
		Msg("signaling session deleted")
	return nil
}
