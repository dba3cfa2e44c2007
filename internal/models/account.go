package models

import "time"

// Cookie is a single browser cookie captured during a manual login session
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Credentials holds what an adapter needs to authenticate a platform account.
// Cookie login is attempted first; username/password is the fallback path.
type Credentials struct {
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Cookies  []Cookie `json:"cookies,omitempty"`
}

// HasCookies returns true when a cookie login can be attempted
func (c Credentials) HasCookies() bool {
	return len(c.Cookies) > 0
}

// HasPassword returns true when a form login can be attempted
func (c Credentials) HasPassword() bool {
	return c.Username != "" && c.Password != ""
}

// Account is a platform account that publish tasks execute against
type Account struct {
	ID            string      `json:"id" badgerhold:"key"`
	PlatformID    string      `json:"platform_id" badgerholdIndex:"PlatformID"`
	Name          string      `json:"name"`
	Credentials   Credentials `json:"credentials"`
	IsOnline      bool        `json:"is_online"`
	OfflineReason string      `json:"offline_reason,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
