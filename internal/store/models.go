package store

import "time"

// Account stores the identity of one tracked provider account.
// The roster is insertion-ordered via Position.
type Account struct {
	ID        string `gorm:"primaryKey"` // provider-assigned id
	Email     string `gorm:"index"`
	Name      string
	Picture   string
	Tier      string
	ProjectID string
	Position  int `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenRecord holds the sealed token pair for one account. The token
// material itself lives only inside the Sealed blob; expiry is duplicated
// in the clear so look-ahead checks need no unsealing.
type TokenRecord struct {
	AccountID string `gorm:"primaryKey"`
	Sealed    []byte
	ExpiresAt time.Time
	TokenType string
	Scope     string
	UpdatedAt time.Time
}

// Setting is a key/value row for store-owned pointers such as the active
// account id.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// QuotaSample is one historical per-model quota reading.
type QuotaSample struct {
	ID                int64  `gorm:"primaryKey;autoIncrement"`
	AccountID         string `gorm:"index:idx_sample_account_time"`
	Model             string
	RemainingFraction float64
	Tier              string
	Timestamp         time.Time `gorm:"index:idx_sample_account_time"`
}

// TokenPair is the decrypted token material for one account.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
}

const settingActiveAccount = "active_account_id"
