package tokens

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TimeLayout is the persisted form of token expiry and lock timestamps.
// Values are always written in UTC.
const TimeLayout = "2006-01-02T15:04:05"

// Record is the shared access/refresh token pair
type Record struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int
	Expires      time.Time
}

type recordJSON struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Expires      string `json:"expires,omitempty"`
}

// NewRecord builds a record whose absolute expiry is issued plus expiresIn seconds
func NewRecord(accessToken, refreshToken, tokenType, scope string, expiresIn int, issued time.Time) *Record {
	return &Record{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		Scope:        scope,
		ExpiresIn:    expiresIn,
		Expires:      Truncate(issued.Add(time.Duration(expiresIn) * time.Second)),
	}
}

// Truncate drops sub-second precision and converts to UTC, matching what
// survives a round trip through TimeLayout
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Valid reports whether the record has both an access token and an expiry.
// A record with one but not the other is treated as absent.
func (r *Record) Valid() bool {
	return r != nil && r.AccessToken != "" && !r.Expires.IsZero()
}

// Remaining is the time left before expiry
func (r *Record) Remaining(now time.Time) time.Duration {
	return r.Expires.Sub(now)
}

// OAuth2 converts the record to an oauth2.Token for request signing
func (r *Record) OAuth2() *oauth2.Token {
	tokenType := r.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    tokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.Expires,
	}
}

// Clone returns a copy
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Scope:        r.Scope,
		ExpiresIn:    r.ExpiresIn,
	}
	if !r.Expires.IsZero() {
		out.Expires = r.Expires.UTC().Format(TimeLayout)
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		TokenType:    in.TokenType,
		Scope:        in.Scope,
		ExpiresIn:    in.ExpiresIn,
	}
	if in.Expires != "" {
		expires, err := time.ParseInLocation(TimeLayout, in.Expires, time.UTC)
		if err != nil {
			return fmt.Errorf("invalid expires %q: %w", in.Expires, err)
		}
		r.Expires = expires
	}
	return nil
}
