package model

import "time"

// OTPSession is a pending one-time passcode challenge.  Only the bcrypt
// hash of the code is kept.
type OTPSession struct {
	UserID    string    `json:"user_id"`
	CodeHash  string    `json:"code_hash"`
	Attempts  int       `json:"attempts"`
	ExpiresAt time.Time `json:"expires_at"`
}
