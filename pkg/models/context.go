package models

import "time"

// Cookie is a browser cookie captured from an authenticated context
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// OriginStorage holds the localStorage entries of one origin
type OriginStorage struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"localStorage"`
}

// StorageState is the plaintext authentication payload of a browser context.
// It must never be logged.
type StorageState struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
}

// CapturedState is a sealed StorageState bound to the session that produced it
type CapturedState struct {
	SessionID  string        `json:"sessionId"`
	Token      string        `json:"token"`
	CapturedAt time.Time     `json:"capturedAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	State      *StorageState `json:"-"`
}
