package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/models"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.authgate/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	otpBucket               = []byte("otp")
	refreshTokensBucket     = []byte("refresh_tokens")
	refreshTokenIndexBucket = []byte("refresh_token_index")
	adminKeysBucket         = []byte("admin_keys")
	adminNicknamesBucket    = []byte("admin_key_nicknames")
)

// tokenKeyHash returns the SHA-256 hex digest of a token string.
// Used as the index key so raw refresh tokens are not stored on disk.
func tokenKeyHash(token string) []byte {
	h := sha256.Sum256([]byte(token))
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])

	return dst
}

// State wraps a bbolt database holding the otp, refresh token and
// admin key collections.
type State struct {
	db *bolt.DB
}

// ErrLocked is returned when another process holds the database lock
// for longer than the open timeout.
var ErrLocked = errors.New("state database is locked by another process")

// Load opens the state database at ~/.authgate/authgate.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(DefaultPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	return LoadAtTimeout(path, stateOpenTimeout)
}

// LoadAtTimeout is LoadAt with a custom wait for the file lock. It
// returns an error wrapping ErrLocked when the wait runs out.
func LoadAtTimeout(path string, timeout time.Duration) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: timeout})
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("opening state db %s: %w", path, ErrLocked)
	}

	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			otpBucket,
			refreshTokensBucket,
			refreshTokenIndexBucket,
			adminKeysBucket,
			adminNicknamesBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Ping checks that the database can serve a read transaction.
func (s *State) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(otpBucket) == nil {
			return fmt.Errorf("otp bucket missing")
		}

		return nil
	})
}

// --- OTP ---

// CreateOTP stores a new OTP request. Returns ErrDuplicate if a request
// with the same ID already exists.
func (s *State) CreateOTP(o models.OTPRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(otpBucket)
		if b.Get([]byte(o.ID)) != nil {
			return autherr.ErrDuplicate
		}

		data, err := json.Marshal(o)
		if err != nil {
			return err
		}

		return b.Put([]byte(o.ID), data)
	})
}

// GetOTP returns the OTP request with the given ID, or nil if not found.
func (s *State) GetOTP(id string) (*models.OTPRequest, error) {
	var o *models.OTPRequest

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(otpBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		o = &models.OTPRequest{}

		return json.Unmarshal(v, o)
	})

	return o, err
}

// MarkOTPVerified flips the request to verified and moves its expiry to
// expireAt. The verified check and the write share one transaction, so
// of two concurrent callers exactly one succeeds and the other gets
// ErrAlreadyVerified.
func (s *State) MarkOTPVerified(id string, expireAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(otpBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return autherr.ErrNotFound
		}

		var o models.OTPRequest
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}

		if o.Verified {
			return autherr.ErrAlreadyVerified
		}

		o.Verified = true
		o.ExpireAt = expireAt

		data, err := json.Marshal(o)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// --- Refresh tokens ---

// SaveRefreshToken persists rt and indexes it by the hash of the signed
// token. rt.ID must be set by the caller; rt.TokenHash is filled in here.
func (s *State) SaveRefreshToken(token string, rt models.RefreshToken) error {
	if rt.ID == "" {
		return fmt.Errorf("refresh token id is required for persistence")
	}

	rt.TokenHash = string(tokenKeyHash(token))

	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(refreshTokenIndexBucket)
		if idx.Get([]byte(rt.TokenHash)) != nil {
			return autherr.ErrDuplicate
		}

		data, err := json.Marshal(rt)
		if err != nil {
			return err
		}

		if err := tx.Bucket(refreshTokensBucket).Put([]byte(rt.ID), data); err != nil {
			return err
		}

		return idx.Put([]byte(rt.TokenHash), []byte(rt.ID))
	})
}

// GetRefreshToken looks up the record for a signed token, or returns nil
// if the token was never stored or has been deleted.
func (s *State) GetRefreshToken(token string) (*models.RefreshToken, error) {
	var rt *models.RefreshToken

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(refreshTokenIndexBucket).Get(tokenKeyHash(token))
		if id == nil {
			return nil
		}

		v := tx.Bucket(refreshTokensBucket).Get(id)
		if v == nil {
			return nil
		}

		rt = &models.RefreshToken{}

		return json.Unmarshal(v, rt)
	})

	return rt, err
}

// DeleteRefreshToken removes the record and index entry for a signed
// token. Deleting an unknown token is not an error.
func (s *State) DeleteRefreshToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(refreshTokenIndexBucket)
		hash := tokenKeyHash(token)

		id := idx.Get(hash)
		if id == nil {
			return nil
		}

		// bbolt values are only valid for the life of the transaction
		// and Delete may reuse the page.
		id = bytes.Clone(id)

		if err := tx.Bucket(refreshTokensBucket).Delete(id); err != nil {
			return err
		}

		return idx.Delete(hash)
	})
}

// --- Admin keys ---

// CreateAdminKey stores a new admin key. Returns ErrDuplicate if the ID
// or the nickname is already taken.
func (s *State) CreateAdminKey(k models.AdminKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(adminKeysBucket)
		names := tx.Bucket(adminNicknamesBucket)

		if b.Get([]byte(k.ID)) != nil || names.Get([]byte(k.Nickname)) != nil {
			return autherr.ErrDuplicate
		}

		data, err := json.Marshal(k)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(k.ID), data); err != nil {
			return err
		}

		return names.Put([]byte(k.Nickname), []byte(k.ID))
	})
}

// GetAdminKey returns the admin key with the given ID, or nil if not found.
func (s *State) GetAdminKey(id string) (*models.AdminKey, error) {
	var k *models.AdminKey

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(adminKeysBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		k = &models.AdminKey{}

		return json.Unmarshal(v, k)
	})

	return k, err
}

// GetAdminKeyByNickname returns the admin key with the given nickname,
// or nil if not found.
func (s *State) GetAdminKeyByNickname(nickname string) (*models.AdminKey, error) {
	var k *models.AdminKey

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(adminNicknamesBucket).Get([]byte(nickname))
		if id == nil {
			return nil
		}

		v := tx.Bucket(adminKeysBucket).Get(id)
		if v == nil {
			return nil
		}

		k = &models.AdminKey{}

		return json.Unmarshal(v, k)
	})

	return k, err
}

// DeleteAdminKey removes an admin key by ID. Returns ErrNotFound if no
// such key exists.
func (s *State) DeleteAdminKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteAdminKey(tx, []byte(id))
	})
}

// DeleteAdminKeyByNickname removes an admin key by nickname. Returns
// ErrNotFound if no such key exists.
func (s *State) DeleteAdminKeyByNickname(nickname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id := tx.Bucket(adminNicknamesBucket).Get([]byte(nickname))
		if id == nil {
			return autherr.ErrNotFound
		}

		return deleteAdminKey(tx, bytes.Clone(id))
	})
}

func deleteAdminKey(tx *bolt.Tx, id []byte) error {
	b := tx.Bucket(adminKeysBucket)

	v := b.Get(id)
	if v == nil {
		return autherr.ErrNotFound
	}

	var k models.AdminKey
	if err := json.Unmarshal(v, &k); err != nil {
		return err
	}

	if err := b.Delete(id); err != nil {
		return err
	}

	return tx.Bucket(adminNicknamesBucket).Delete([]byte(k.Nickname))
}

// AllAdminKeys returns every stored admin key, oldest first.
func (s *State) AllAdminKeys() ([]models.AdminKey, error) {
	var keys []models.AdminKey

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(adminKeysBucket).ForEach(func(k, v []byte) error {
			var ak models.AdminKey
			if err := json.Unmarshal(v, &ak); err != nil {
				return err
			}

			keys = append(keys, ak)

			return nil
		})
	})

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].GeneratedAt.Equal(keys[j].GeneratedAt) {
			return keys[i].Nickname < keys[j].Nickname
		}

		return keys[i].GeneratedAt.Before(keys[j].GeneratedAt)
	})

	return keys, err
}

// DefaultPath returns ~/.authgate/authgate.db.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing admin keys) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".authgate", "authgate.db")
}
