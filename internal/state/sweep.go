package state

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alexjbarnes/authgate/internal/models"
	bolt "go.etcd.io/bbolt"
)

// PurgeExpired deletes OTP requests and refresh tokens whose expiry is
// before cutoff. It returns the number of records removed.
func (s *State) PurgeExpired(cutoff time.Time) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		otps := tx.Bucket(otpBucket)

		var staleOTPs [][]byte

		err := otps.ForEach(func(k, v []byte) error {
			var o models.OTPRequest
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}

			if o.ExpireAt.Before(cutoff) {
				staleOTPs = append(staleOTPs, bytes.Clone(k))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range staleOTPs {
			if err := otps.Delete(k); err != nil {
				return err
			}
		}

		tokens := tx.Bucket(refreshTokensBucket)
		idx := tx.Bucket(refreshTokenIndexBucket)

		var staleTokens []models.RefreshToken

		err = tokens.ForEach(func(_, v []byte) error {
			var rt models.RefreshToken
			if err := json.Unmarshal(v, &rt); err != nil {
				return err
			}

			if rt.ExpireAt.Before(cutoff) {
				staleTokens = append(staleTokens, rt)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, rt := range staleTokens {
			if err := tokens.Delete([]byte(rt.ID)); err != nil {
				return err
			}

			if err := idx.Delete([]byte(rt.TokenHash)); err != nil {
				return err
			}
		}

		removed = len(staleOTPs) + len(staleTokens)

		return nil
	})

	return removed, err
}

// Sweep periodically purges records that expired more than retention
// ago. It blocks until ctx is cancelled and always returns nil, so it
// can run inside an errgroup next to the HTTP servers.
func (s *State) Sweep(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PurgeExpired(time.Now().Add(-retention))
			if err != nil {
				logger.Warn("state sweep failed", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				logger.Debug("state sweep removed expired records", slog.Int("count", n))
			}
		}
	}
}
