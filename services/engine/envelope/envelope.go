// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package envelope implements per-message envelope encryption for
// conversation bodies. Each ciphertext is bound to an AAD triple
// {conversationId, messageId, userId}; decryption with any other triple
// fails. The master key lives in a memguard enclave and is only sealed
// into working memory for the duration of a single operation.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// AAD is the additional authenticated data bound to every message body.
// All three fields are required; the exact triple used to encrypt must be
// supplied verbatim to decrypt.
type AAD struct {
	ConversationID string
	MessageID      string
	UserID         string
}

// canonical serializes the triple in a fixed field order. The pipe separator
// is safe because ids are prefixed slugs that never contain one.
func (a AAD) canonical() ([]byte, error) {
	if a.ConversationID == "" || a.MessageID == "" || a.UserID == "" {
		return nil, fmt.Errorf("incomplete AAD")
	}
	return []byte(a.ConversationID + "|" + a.MessageID + "|" + a.UserID), nil
}

// Envelope encrypts and decrypts message bodies. Safe for concurrent use.
type Envelope struct {
	enclave *memguard.Enclave
}

// New creates an Envelope from a raw 32-byte master key. The caller's copy
// of the key is wiped; the enclave holds the only live copy.
//
// # Description
//
// The key is moved into a memguard enclave: encrypted at rest in process
// memory, mlocked while open, and wiped on process interrupt. Every
// Encrypt/Decrypt opens the enclave, derives the cipher, and lets the
// opened buffer be destroyed again.
//
// # Inputs
//
//   - key: Exactly 32 bytes of key material. Wiped before New returns.
//
// # Outputs
//
//   - *Envelope: Ready for use.
//   - error: Non-nil if the key length is wrong.
func New(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	// NewEnclave wipes the source slice.
	return &Envelope{enclave: memguard.NewEnclave(key)}, nil
}

// NewFromBase64 decodes a base64 master key and calls New. Used by the entry
// point to load the key from the environment.
func NewFromBase64(encoded string) (*Envelope, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	return New(key)
}

func (e *Envelope) aead() (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := e.enclave.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	return gcm, buf, nil
}

// Encrypt seals plaintext under the AAD triple and returns
// base64(nonce || ciphertext). The plaintext is never logged.
func (e *Envelope) Encrypt(plaintext string, aad AAD) (string, error) {
	const op = "envelope.Encrypt"

	ad, err := aad.canonical()
	if err != nil {
		return "", datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	gcm, buf, err := e.aead()
	if err != nil {
		return "", datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	defer buf.Destroy()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", datatypes.WrapError(datatypes.KindInternal, op, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), ad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64(nonce || ciphertext) body. Any AAD mismatch, or a
// tampered ciphertext, yields a decryption-failed error carrying no
// plaintext or ciphertext material.
func (e *Envelope) Decrypt(ciphertext string, aad AAD) (string, error) {
	const op = "envelope.Decrypt"

	ad, err := aad.canonical()
	if err != nil {
		return "", datatypes.WrapError(datatypes.KindDecryptionFailed, op, err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", datatypes.NewError(datatypes.KindDecryptionFailed, op, "body is not valid base64")
	}

	gcm, buf, err := e.aead()
	if err != nil {
		return "", datatypes.WrapError(datatypes.KindInternal, op, err)
	}
	defer buf.Destroy()

	if len(raw) < gcm.NonceSize() {
		return "", datatypes.NewError(datatypes.KindDecryptionFailed, op, "body too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, ad)
	if err != nil {
		// Deliberately dropping the AEAD error: it carries nothing useful
		// and must not be mistaken for loggable content.
		return "", datatypes.NewError(datatypes.KindDecryptionFailed, op, "authentication failed")
	}
	return string(plaintext), nil
}
