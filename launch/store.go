package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// SessionKeysFile is the artifact name of the sealed transport keys.
const SessionKeysFile = "tk.sealed"

var errNoSealer = fmt.Errorf("%w: session keys need a keystore passphrase", interfaces.ErrConfig)

// SessionStore persists session keys between launch blob generation and
// secret injection. Keys never reach the backend in plaintext: every record
// is sealed and bound to its VM id.
type SessionStore struct {
	backend interfaces.StorageBackend
	sealer  *cryptoutils.Sealer
	log     *slog.Logger
}

// NewSessionStore creates a session store on top of a storage backend. A
// store without a sealer can only erase sessions.
func NewSessionStore(backend interfaces.StorageBackend, sealer *cryptoutils.Sealer, log *slog.Logger) *SessionStore {
	return &SessionStore{
		backend: backend,
		sealer:  sealer,
		log:     log,
	}
}

func sessionKey(vmID interfaces.VMID) (interfaces.ArtifactKey, error) {
	return interfaces.NewArtifactKey(interfaces.SessionKeyType, vmID.String(), SessionKeysFile)
}

// Save seals and stores keys for vmID, replacing any previous session.
func (s *SessionStore) Save(ctx context.Context, vmID interfaces.VMID, keys *SessionKeys) error {
	if s.sealer == nil {
		return errNoSealer
	}
	key, err := sessionKey(vmID)
	if err != nil {
		return err
	}

	raw, err := keys.marshal()
	if err != nil {
		return err
	}
	defer raw.Destroy()

	sealed, err := s.sealer.Seal(raw.Bytes(), []byte(vmID))
	if err != nil {
		return fmt.Errorf("failed to seal session keys for vm %s: %w", vmID, err)
	}

	if err := s.backend.Store(ctx, key, sealed); err != nil {
		s.log.Error("Failed to persist session keys",
			slog.String("vm_id", vmID.String()),
			slog.String("backend", s.backend.Name()),
			"err", err)
		return fmt.Errorf("failed to persist session keys for vm %s: %w", vmID, err)
	}

	s.log.Debug("Persisted sealed session keys",
		slog.String("vm_id", vmID.String()),
		slog.String("backend", s.backend.Name()))
	return nil
}

// Load returns the keys stored for vmID. It fails with ErrMissingKeys when
// no session was persisted.
func (s *SessionStore) Load(ctx context.Context, vmID interfaces.VMID) (*SessionKeys, error) {
	if s.sealer == nil {
		return nil, errNoSealer
	}
	key, err := sessionKey(vmID)
	if err != nil {
		return nil, err
	}

	sealed, err := s.backend.Fetch(ctx, key)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, fmt.Errorf("%w: no launch session for vm %s in %s", interfaces.ErrMissingKeys, vmID, s.backend.LocationURI())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session keys for vm %s: %w", vmID, err)
	}

	raw, err := s.sealer.Open(sealed, []byte(vmID))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal session keys for vm %s: %w", vmID, err)
	}
	defer raw.Destroy()

	return unmarshalSessionKeys(raw.Bytes())
}

// Resume loads the keys for vmID into a session awaiting its measurement.
func (s *SessionStore) Resume(ctx context.Context, vmID interfaces.VMID, firmwareDigest [DigestSize]byte) (*PendingLaunch, error) {
	keys, err := s.Load(ctx, vmID)
	if err != nil {
		return nil, err
	}
	return NewPendingLaunch(vmID, keys, firmwareDigest), nil
}

// Erase deletes the stored keys of vmID.
func (s *SessionStore) Erase(ctx context.Context, vmID interfaces.VMID) error {
	key, err := sessionKey(vmID)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to erase session keys for vm %s: %w", vmID, err)
	}
	s.log.Debug("Erased session keys", slog.String("vm_id", vmID.String()))
	return nil
}
