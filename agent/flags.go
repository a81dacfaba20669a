package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

const (
	AddrKey       = "addr"
	SessionKey    = "session"
	UserKey       = "user"
	CollectionKey = "collection"
	DocKey        = "doc"
	OutboxKey     = "outbox"
	TimeoutKey    = "timeout"
)

var errMissingSession = errors.New("--session is required")

func AddFlags(flags *pflag.FlagSet) {
	flags.String(AddrKey, "", "Server base url, e.g. http://localhost:8081 (discovered by mDNS when empty)")
	flags.String(SessionKey, "", "Session id to join (required)")
	flags.String(UserKey, "", "User id reported to the session")
	flags.String(CollectionKey, "code", "Document collection")
	flags.String(DocKey, "", "Document id (defaults to the session id)")
	flags.String(OutboxKey, "collabtext-outbox.db", "Path of the outbox holding unacknowledged operations")
	flags.Duration(TimeoutKey, 15*time.Second, "How long to wait for discovery and replies")
}

type Config struct {
	Addr       string
	Session    uuid.UUID
	User       string
	Collection string
	DocID      string
	Outbox     string
	Timeout    time.Duration
}

func ParseFlags(flags *pflag.FlagSet) (*Config, error) {
	addr, err := flags.GetString(AddrKey)
	if err != nil {
		return nil, err
	}

	sessionStr, err := flags.GetString(SessionKey)
	if err != nil {
		return nil, err
	}
	if sessionStr == "" {
		return nil, errMissingSession
	}
	session, err := uuid.Parse(sessionStr)
	if err != nil {
		return nil, fmt.Errorf("--session %q: %w", sessionStr, err)
	}

	user, err := flags.GetString(UserKey)
	if err != nil {
		return nil, err
	}

	collection, err := flags.GetString(CollectionKey)
	if err != nil {
		return nil, err
	}

	docId, err := flags.GetString(DocKey)
	if err != nil {
		return nil, err
	}
	if docId == "" {
		docId = session.String()
	}

	outbox, err := flags.GetString(OutboxKey)
	if err != nil {
		return nil, err
	}

	timeout, err := flags.GetDuration(TimeoutKey)
	if err != nil {
		return nil, err
	}

	return &Config{
		Addr:       addr,
		Session:    session,
		User:       user,
		Collection: collection,
		DocID:      docId,
		Outbox:     outbox,
		Timeout:    timeout,
	}, nil
}
