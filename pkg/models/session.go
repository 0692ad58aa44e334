package models

import "time"

// SessionState is a lifecycle state of a remote login session
type SessionState string

const (
	StateCreated         SessionState = "CREATED"
	StateBrowserLaunched SessionState = "BROWSER_LAUNCHED"
	StateAwaitingLogin   SessionState = "AWAITING_LOGIN"
	StateLoginDetected   SessionState = "LOGIN_DETECTED"
	StateStateCaptured   SessionState = "STATE_CAPTURED"
	StateHandedOff       SessionState = "HANDED_OFF"
	StateClosed          SessionState = "CLOSED"
	StateFailed          SessionState = "FAILED"
	StateTimedOut        SessionState = "TIMED_OUT"
)

// Terminal reports whether no further transition can leave the state
func (s SessionState) Terminal() bool {
	switch s {
	case StateClosed, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// RemoteSession is one attempt at a human-assisted login in a remote browser
type RemoteSession struct {
	ID              string       `json:"id"`
	State           SessionState `json:"state"`
	TargetURL       string       `json:"targetUrl"`
	ViewerURL       string       `json:"viewerUrl"`
	ViewerConnected bool         `json:"viewerConnected"`
	FailureReason   string       `json:"failureReason,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	ContainerID     string       `json:"-"`
	// WebsockifyURL is the backend-side noVNC socket the viewer proxy dials.
	WebsockifyURL string `json:"-"`
}

// Credentials optionally prefill the portal login form. The human still clears the challenge.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Period is the billing month queried on the portal
type Period struct {
	Year  int `json:"year" validate:"required,min=2020,max=2030"`
	Month int `json:"month" validate:"required,min=1,max=12"`
}

// TriggerRequest is the payload for starting a harvest job
type TriggerRequest struct {
	SubjectIdentity string       `json:"subjectIdentity" validate:"required,max=64"`
	Credentials     *Credentials `json:"credentials,omitempty"`
	Period          Period       `json:"period"`
	ProviderFilter  string       `json:"providerFilter,omitempty" validate:"omitempty,max=200"`
}

// TriggerResponse is returned synchronously by the trigger endpoint
type TriggerResponse struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
	ViewerURL string `json:"viewerUrl"`
}
