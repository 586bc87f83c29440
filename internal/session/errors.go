package session

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors of the gateway core. The API layer maps these onto
// HTTP statuses; everything else passes through unclassified.
var (
	ErrNotReady            = errors.New("session not ready")
	ErrRateLimited         = errors.New("rate limited, try again later")
	ErrFetchTimeout        = errors.New("upstream fetch timed out")
	ErrSessionDisconnected = errors.New("session disconnected, please reconnect")
)

// Kind buckets an error for transport mapping and failure handling.
type Kind int

const (
	KindUnclassified Kind = iota
	KindNotReady
	KindRateLimited
	KindTimeout
	KindDisconnected
)

// disconnectPatterns match errors whatsmeow and the websocket layer
// below it return once the underlying connection is gone for good.
var disconnectPatterns = []string{
	"session closed",
	"browser has disconnected",
	"page has been closed",
	"websocket: close",
	"websocket disconnected",
	"websocket not connected",
	"client is not connected",
	"connection closed",
}

// Classify buckets err into the gateway error taxonomy. A dead
// underlying connection is detected both by sentinel and, reactively,
// by message pattern.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnclassified
	case errors.Is(err, ErrSessionDisconnected):
		return KindDisconnected
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, p := range disconnectPatterns {
		if strings.Contains(msg, p) {
			return KindDisconnected
		}
	}
	return KindUnclassified
}
