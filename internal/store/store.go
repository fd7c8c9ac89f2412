// Package store persists the account roster and sealed token pairs, and
// owns the active-account pointer.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrMissingRefreshToken is returned when a primary-provider token pair is
// saved without a refresh token. Such a pair must never be persisted.
var ErrMissingRefreshToken = errors.New("token pair missing refresh token")

// ErrAccountNotFound is returned for operations on unknown account ids.
var ErrAccountNotFound = errors.New("account not found")

// Store is the credential store. All mutation goes through its methods;
// gorm serializes the underlying SQLite access.
type Store struct {
	db     *gorm.DB
	sealer *Sealer
	log    *zap.Logger
}

// Open initializes the SQLite database, runs migrations, and wires the
// sealing primitive.
func Open(dbPath string, sealer *Sealer, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Account{}, &TokenRecord{}, &Setting{}, &QuotaSample{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, sealer: sealer, log: log}, nil
}

// SaveAccount upserts the account (overwrite on repeated login with the
// same id) and replaces its token pair wholesale. The new account becomes
// active.
func (s *Store) SaveAccount(acc Account, pair TokenPair) error {
	if pair.RefreshToken == "" {
		return ErrMissingRefreshToken
	}

	sealed, err := s.sealTokenPair(pair)
	if err != nil {
		return fmt.Errorf("seal token pair: %w", err)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing Account
		err := tx.First(&existing, "id = ?", acc.ID).Error
		switch {
		case err == nil:
			acc.Position = existing.Position
			acc.CreatedAt = existing.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			var maxPos int
			tx.Model(&Account{}).Select("COALESCE(MAX(position), -1)").Scan(&maxPos)
			acc.Position = maxPos + 1
		default:
			return err
		}

		if err := tx.Save(&acc).Error; err != nil {
			return err
		}

		record := TokenRecord{
			AccountID: acc.ID,
			Sealed:    sealed,
			ExpiresAt: pair.ExpiresAt,
			TokenType: pair.TokenType,
			Scope:     pair.Scope,
			UpdatedAt: time.Now(),
		}
		if err := tx.Save(&record).Error; err != nil {
			return err
		}

		return tx.Save(&Setting{Key: settingActiveAccount, Value: acc.ID}).Error
	})
}

// GetToken returns the decrypted token pair for an account, or nil when no
// pair is stored.
func (s *Store) GetToken(accountID string) (*TokenPair, error) {
	var record TokenRecord
	err := s.db.First(&record, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.openTokenPair(record.Sealed)
}

// ListAccounts returns the roster in insertion order.
func (s *Store) ListAccounts() ([]Account, error) {
	var accounts []Account
	if err := s.db.Order("position ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetAccount looks up one account by id.
func (s *Store) GetAccount(accountID string) (*Account, error) {
	var acc Account
	err := s.db.First(&acc, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// DeleteAccount removes the account and its token. Deleting the active
// account promotes the next remaining account (insertion order) or clears
// active-ness when none remain.
func (s *Store) DeleteAccount(accountID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Account{}, "id = ?", accountID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		if err := tx.Delete(&TokenRecord{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&QuotaSample{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}

		active, err := activeID(tx)
		if err != nil {
			return err
		}
		if active != accountID {
			return nil
		}

		var next Account
		err = tx.Order("position ASC").First(&next).Error
		switch {
		case err == nil:
			return tx.Save(&Setting{Key: settingActiveAccount, Value: next.ID}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Save(&Setting{Key: settingActiveAccount, Value: ""}).Error
		default:
			return err
		}
	})
}

// SetActive marks an existing account as the active one.
func (s *Store) SetActive(accountID string) error {
	var acc Account
	if err := s.db.First(&acc, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	return s.db.Save(&Setting{Key: settingActiveAccount, Value: accountID}).Error
}

// ActiveID returns the active account id, or empty when none is set.
func (s *Store) ActiveID() (string, error) {
	return activeID(s.db)
}

func activeID(tx *gorm.DB) (string, error) {
	var setting Setting
	err := tx.First(&setting, "key = ?", settingActiveAccount).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// UpdateAccountProfile refreshes the tier and companion project recorded
// for an account. Empty values leave the stored ones untouched.
func (s *Store) UpdateAccountProfile(accountID, tier, projectID string) error {
	updates := map[string]any{}
	if tier != "" {
		updates["tier"] = tier
	}
	if projectID != "" {
		updates["project_id"] = projectID
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(&Account{}).Where("id = ?", accountID).Updates(updates).Error
}

// IsExpired reports whether the account's access token is within the
// look-ahead buffer of its expiry. Accounts without a token count as
// expired.
func (s *Store) IsExpired(accountID string, buffer time.Duration) bool {
	var record TokenRecord
	if err := s.db.First(&record, "account_id = ?", accountID).Error; err != nil {
		return true
	}
	return !time.Now().Add(buffer).Before(record.ExpiresAt)
}

// UpdateAccessToken mutates the stored pair in place: access token and
// expiry only, refresh token untouched.
func (s *Store) UpdateAccessToken(accountID, accessToken string, ttl time.Duration) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var record TokenRecord
		if err := tx.First(&record, "account_id = ?", accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		pair, err := s.openTokenPair(record.Sealed)
		if err != nil {
			return fmt.Errorf("open token pair: %w", err)
		}
		pair.AccessToken = accessToken
		pair.ExpiresAt = time.Now().Add(ttl)

		sealed, err := s.sealTokenPair(*pair)
		if err != nil {
			return fmt.Errorf("seal token pair: %w", err)
		}
		record.Sealed = sealed
		record.ExpiresAt = pair.ExpiresAt
		record.UpdatedAt = time.Now()
		return tx.Save(&record).Error
	})
}

// ReplaceTokenPair swaps the whole pair, used when a refresh rotates the
// refresh token as well.
func (s *Store) ReplaceTokenPair(accountID string, pair TokenPair) error {
	if pair.RefreshToken == "" {
		return ErrMissingRefreshToken
	}
	sealed, err := s.sealTokenPair(pair)
	if err != nil {
		return fmt.Errorf("seal token pair: %w", err)
	}
	record := TokenRecord{
		AccountID: accountID,
		Sealed:    sealed,
		ExpiresAt: pair.ExpiresAt,
		TokenType: pair.TokenType,
		Scope:     pair.Scope,
		UpdatedAt: time.Now(),
	}
	return s.db.Save(&record).Error
}

func (s *Store) sealTokenPair(pair TokenPair) ([]byte, error) {
	plain, err := json.Marshal(pair)
	if err != nil {
		return nil, err
	}
	return s.sealer.Seal(plain)
}

func (s *Store) openTokenPair(sealed []byte) (*TokenPair, error) {
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, err
	}
	var pair TokenPair
	if err := json.Unmarshal(plain, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}
