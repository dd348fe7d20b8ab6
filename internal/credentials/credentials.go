// Package credentials issues the username and secret a detector uses to authenticate to the broker.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/storage"
)

// Store persists detector credentials.
type Store interface {
	DetectorByUsername(ctx context.Context, username string) (storage.Detector, bool, error)
	InsertDetector(ctx context.Context, d storage.Detector) (bool, error)
}

// Credentials are what a detector is configured with.
type Credentials struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Created  bool   `json:"created"` // Issued by this call rather than found.
}

// Provisioner gets or creates credentials.
type Provisioner struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewProvisioner(store Store, log *zap.Logger) *Provisioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{store: store, log: log.With(zap.String("component", "credentials")), now: time.Now}
}

// Username is the broker identity of a detector.
func Username(detectorID int64) string {
	return fmt.Sprintf("detector-%d", detectorID)
}

// Ensure returns the credentials of a detector, issuing them on first use.
func (p *Provisioner) Ensure(ctx context.Context, detectorID int64) (Credentials, error) {
	if detectorID <= 0 {
		return Credentials{}, fmt.Errorf("detector id must be positive, got %d", detectorID)
	}
	return p.Register(ctx, Username(detectorID))
}

// Register returns the credentials stored under username, issuing a new secret if there are none.
func (p *Provisioner) Register(ctx context.Context, username string) (Credentials, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Credentials{}, errors.New("username is required")
	}

	if d, ok, err := p.store.DetectorByUsername(ctx, username); err != nil {
		return Credentials{}, err
	} else if ok {
		return Credentials{Username: d.Username, Secret: d.Secret}, nil
	}

	secret, err := NewSecret()
	if err != nil {
		return Credentials{}, err
	}
	inserted, err := p.store.InsertDetector(ctx, storage.Detector{
		Username:  username,
		Secret:    secret,
		CreatedAt: p.now().Unix(),
	})
	if err != nil {
		return Credentials{}, err
	}
	if !inserted {
		// Registered concurrently; the stored secret wins.
		d, ok, err := p.store.DetectorByUsername(ctx, username)
		if err != nil {
			return Credentials{}, err
		}
		if !ok {
			return Credentials{}, fmt.Errorf("detector %q vanished during registration", username)
		}
		return Credentials{Username: d.Username, Secret: d.Secret}, nil
	}

	p.log.Info("detector registered", zap.String("username", username))
	return Credentials{Username: username, Secret: secret, Created: true}, nil
}

// NewSecret returns 16 random hex characters.
func NewSecret() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
