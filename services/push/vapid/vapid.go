// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vapid holds the application server's VAPID signing identity.
//
// A Signer is built once at process start and passed by reference to the
// dispatcher. It can be initialized exactly once; after that the key pair is
// fixed for the life of the process so every in-flight send signs with the
// same identity.
//
// The private key lives in a memguard Enclave (encrypted at rest in memory)
// and is only decrypted for the duration of a Sign call. webpush-go takes the
// key as a string, so each signed request carries an ordinary heap copy that
// memguard cannot lock or wipe; it lives until the options are collected.
//
// Key format follows the Web Push convention used by browsers and
// webpush-go: unpadded base64url of the raw P-256 values (65-byte
// uncompressed public point, 32-byte private scalar).
package vapid

import (
	"crypto/ecdh"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/awnumar/memguard"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyInitialized is returned by a second Initialize call. The
	// existing identity is left untouched.
	ErrAlreadyInitialized = errors.New("vapid: signer already initialized")

	// ErrNotInitialized is returned by Identity before a successful
	// Initialize.
	ErrNotInitialized = errors.New("vapid: signer not initialized")
)

// ConfigError reports an absent or malformed VAPID setting. It disables
// push delivery but never the rest of the gateway.
type ConfigError struct {
	// Field is the offending setting: "public_key", "private_key" or
	// "contact".
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vapid: invalid %s: %s", e.Field, e.Reason)
}

// =============================================================================
// Signer
// =============================================================================

// Signer guards one-time initialization of the signing Identity.
//
// # Thread Safety
//
// Safe for concurrent use.
type Signer struct {
	mu       sync.RWMutex
	identity *Identity
	logger   *slog.Logger
}

// Option configures a Signer.
type Option func(*Signer)

// WithLogger sets the logger used for the memory-lock check. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Signer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSigner returns an uninitialized Signer.
func NewSigner(opts ...Option) *Signer {
	s := &Signer{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize validates the key pair and contact and fixes the identity.
//
// # Description
//
// Both keys must be present, decode as base64url, have the right length,
// lie on P-256, and belong together. The contact must be a mailto: or
// https: URI. On failure the Signer stays uninitialized and may be retried.
//
// # Outputs
//
//	*Identity - The fixed signing identity.
//	error - *ConfigError for bad input, ErrAlreadyInitialized on a second
//	        successful-path call.
func (s *Signer) Initialize(publicKey, privateKey, contact string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return nil, ErrAlreadyInitialized
	}

	if err := ValidateKeys(publicKey, privateKey); err != nil {
		return nil, err
	}
	contact = strings.TrimSpace(contact)
	if err := validateContact(contact); err != nil {
		return nil, err
	}

	s.identity = &Identity{
		publicKey:  publicKey,
		contact:    contact,
		privateKey: memguard.NewEnclave([]byte(privateKey)),
	}
	checkMlock(s.logger)
	return s.identity, nil
}

// Identity returns the initialized identity or ErrNotInitialized.
func (s *Signer) Identity() (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil, ErrNotInitialized
	}
	return s.identity, nil
}

// Initialized reports whether Initialize has succeeded.
func (s *Signer) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil
}

// =============================================================================
// Identity
// =============================================================================

// Urgency is the RFC 8030 Urgency header value.
type Urgency string

const (
	UrgencyVeryLow Urgency = Urgency(webpush.UrgencyVeryLow)
	UrgencyLow     Urgency = Urgency(webpush.UrgencyLow)
	UrgencyNormal  Urgency = Urgency(webpush.UrgencyNormal)
	UrgencyHigh    Urgency = Urgency(webpush.UrgencyHigh)
)

// topicPattern is the RFC 8030 Topic constraint: at most 32 base64url chars.
var topicPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// SendOptions are the per-request delivery parameters.
type SendOptions struct {
	// TTL is how long the push service keeps an undelivered message.
	TTL time.Duration

	// Urgency defaults to UrgencyNormal.
	Urgency Urgency

	// Topic replaces a pending message with the same topic. Optional.
	Topic string

	// HTTPClient overrides the transport. Nil uses webpush-go's default.
	HTTPClient webpush.HTTPClient
}

// Identity is an initialized VAPID key pair plus contact URI. Immutable.
type Identity struct {
	publicKey  string
	contact    string
	privateKey *memguard.Enclave
}

// PublicKey returns the base64url application server key browsers pass to
// pushManager.subscribe.
func (i *Identity) PublicKey() string {
	return i.publicKey
}

// Contact returns the mailto: or https: contact URI sent in the JWT sub claim.
func (i *Identity) Contact() string {
	return i.contact
}

// Sign produces the webpush-go options that authenticate one outbound push.
//
// # Description
//
// webpush-go mints the VAPID JWT and Authorization header from the returned
// options when the request is sent. The private key is decrypted from the
// enclave only long enough to copy it into the options. That copy is a Go
// string in VAPIDPrivateKey: it is not locked, cannot be wiped, and stays on
// the heap until the garbage collector reclaims it.
//
// # Outputs
//
//	*webpush.Options - Use for exactly one request; do not retain.
//	error - Invalid TTL/Topic/Urgency, or the enclave could not be opened
//	        (for example after memguard.Purge at shutdown).
func (i *Identity) Sign(opts SendOptions) (*webpush.Options, error) {
	if opts.TTL < 0 {
		return nil, fmt.Errorf("vapid: negative ttl %s", opts.TTL)
	}
	if opts.Topic != "" && !topicPattern.MatchString(opts.Topic) {
		return nil, fmt.Errorf("vapid: topic %q must be 1-32 base64url characters", opts.Topic)
	}
	urgency := opts.Urgency
	switch urgency {
	case "":
		urgency = UrgencyNormal
	case UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh:
	default:
		return nil, fmt.Errorf("vapid: unknown urgency %q", urgency)
	}

	buf, err := i.privateKey.Open()
	if err != nil {
		return nil, fmt.Errorf("vapid: open private key: %w", err)
	}
	privateKey := string(buf.Bytes())
	buf.Destroy()

	return &webpush.Options{
		HTTPClient:      opts.HTTPClient,
		Subscriber:      subscriberClaim(i.contact),
		TTL:             int(opts.TTL / time.Second),
		Urgency:         webpush.Urgency(urgency),
		Topic:           opts.Topic,
		VAPIDPublicKey:  i.publicKey,
		VAPIDPrivateKey: privateKey,
	}, nil
}

// subscriberClaim converts the contact into webpush-go's Subscriber form,
// which prepends "mailto:" to anything that is not an https: URL.
func subscriberClaim(contact string) string {
	return strings.TrimPrefix(contact, "mailto:")
}

// =============================================================================
// Key handling
// =============================================================================

const (
	publicKeyLen  = 65
	privateKeyLen = 32
)

// GenerateKeys creates a fresh P-256 VAPID key pair.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("vapid: generate keys: %w", err)
	}
	return publicKey, privateKey, nil
}

// ValidateKeys checks that publicKey and privateKey form a valid P-256 pair.
// It returns a *ConfigError naming the first bad field.
func ValidateKeys(publicKey, privateKey string) error {
	pubBytes, err := decodeKey("public_key", publicKey, publicKeyLen)
	if err != nil {
		return err
	}
	pub, err := ecdh.P256().NewPublicKey(pubBytes)
	if err != nil {
		return &ConfigError{Field: "public_key", Reason: "not a P-256 point"}
	}

	privBytes, err := decodeKey("private_key", privateKey, privateKeyLen)
	if err != nil {
		return err
	}
	priv, err := ecdh.P256().NewPrivateKey(privBytes)
	if err != nil {
		return &ConfigError{Field: "private_key", Reason: "not a valid P-256 scalar"}
	}

	if subtle.ConstantTimeCompare(priv.PublicKey().Bytes(), pub.Bytes()) != 1 {
		return &ConfigError{Field: "private_key", Reason: "does not match public key"}
	}
	return nil
}

func decodeKey(field, value string, wantLen int) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, &ConfigError{Field: field, Reason: "absent"}
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil, &ConfigError{Field: field, Reason: "not base64url"}
	}
	if len(raw) != wantLen {
		return nil, &ConfigError{Field: field, Reason: fmt.Sprintf("decoded to %d bytes, want %d", len(raw), wantLen)}
	}
	return raw, nil
}

func validateContact(contact string) error {
	switch {
	case contact == "":
		return &ConfigError{Field: "contact", Reason: "absent"}
	case strings.HasPrefix(contact, "mailto:") && len(contact) > len("mailto:") && strings.Contains(contact, "@"):
		return nil
	case strings.HasPrefix(contact, "https://") && len(contact) > len("https://"):
		return nil
	default:
		return &ConfigError{Field: "contact", Reason: "must be a mailto: or https: URI"}
	}
}
