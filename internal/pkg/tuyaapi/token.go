package tuyaapi

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// MinAccessTokenValidity is how long a token must remain valid for a
// request to use it without refreshing first
const MinAccessTokenValidity = time.Second * 60

// Token is the cloud session.  It is replaced as a whole on login and
// refresh, never modified in place.
type Token struct {
	AccessToken  string
	RefreshToken string
	UID          string
	ExpireTime   time.Time
}

// The login and refresh result
type tokenResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UID          string `json:"uid"`
	ExpireTime   int64  `json:"expire_time"`
	PlatformURL  string `json:"platform_url,omitempty"`
}

func (r tokenResult) token(now time.Time) *Token {
	return &Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		UID:          r.UID,
		ExpireTime:   now.Add(time.Second * time.Duration(r.ExpireTime)),
	}
}

// ShouldRefresh holds iff now >= expire - 60s
func ShouldRefresh(now, expire time.Time) bool {
	return !now.Before(expire.Add(-MinAccessTokenValidity))
}

// ShouldRefresh reports whether the token needs refreshing at now
func (t *Token) ShouldRefresh(now time.Time) bool {
	return ShouldRefresh(now, t.ExpireTime)
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens when stringified
//
func (t Token) String() string {
	return fmt.Sprintf("uid [%s] accessToken [%s] refreshToken [%s] expires [%s]",
		t.UID, hashOf(t.AccessToken), hashOf(t.RefreshToken), t.ExpireTime.Format(time.RFC3339))
}
