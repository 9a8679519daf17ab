package feed

import (
	"errors"

	"github.com/tickwatch/tickwatch/internal/model"
)

// State is the connection state of the upstream client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateLive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

var (
	// ErrNoCredentials means no logged-in session can lend feed credentials.
	ErrNoCredentials = errors.New("feed: no credentials available")

	// ErrNotStarted is returned by operations on a client that was never started.
	ErrNotStarted = errors.New("feed: client not started")
)

// Credentials is the header set the broker's stream endpoint expects.
type Credentials struct {
	JWT        string
	APIKey     string
	ClientCode string
	FeedToken  string
}

// CredentialSource lends the credentials of any logged-in user.
// Implementations return ErrNoCredentials when nobody is logged in.
type CredentialSource interface {
	FeedCredentials() (Credentials, error)
}

// CredentialSourceFunc is a function adapter for CredentialSource.
type CredentialSourceFunc func() (Credentials, error)

func (f CredentialSourceFunc) FeedCredentials() (Credentials, error) {
	return f()
}

// Dispatcher receives every decoded tick together with the sessions
// subscribed to its token. Implementations must not block: the session
// registry overwrites a single-slot mailbox per token.
type Dispatcher interface {
	DispatchTick(sessionIDs []string, tick model.Tick)
}

// DispatcherFunc is a function adapter for Dispatcher.
type DispatcherFunc func(sessionIDs []string, tick model.Tick)

func (f DispatcherFunc) DispatchTick(sessionIDs []string, tick model.Tick) {
	f(sessionIDs, tick)
}

// Stats is a point-in-time snapshot of client health.
type Stats struct {
	State          State
	Generation     int64
	FramesReceived int64
	TicksDecoded   int64
	DecodeErrors   int64
	Reconnects     int64
	Tokens         int
}
