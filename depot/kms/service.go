// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package kms provides symmetric encryption of at-rest tenant secrets.
package kms

import (
	"context"
	"encoding/base64"

	"github.com/gtank/cryptopasta"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the kms package.
	Error = errs.Class("kms")

	// ErrDecryption is returned when a ciphertext cannot be decrypted.
	ErrDecryption = errs.Class("kms decryption")

	mon = monkit.Package()
)

// Service encrypts and decrypts tenant secrets with a process-wide key.
//
// Ciphertexts are AES-256-GCM with the nonce prepended, encoded as
// standard base64 so they can live in text columns.
//
// architecture: Service
type Service struct {
	key [32]byte
}

// NewService derives the process encryption key from the configured
// master secret.
func NewService(masterSecret string) (*Service, error) {
	if masterSecret == "" {
		return nil, Error.New("encryption key is not set")
	}

	service := &Service{}
	copy(service.key[:], cryptopasta.Hash("depot v1 encryption key", []byte(masterSecret)))
	return service, nil
}

// Encrypt encrypts plaintext and returns base64 ciphertext.
func (service *Service) Encrypt(ctx context.Context, plaintext string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	ciphertext, err := cryptopasta.Encrypt([]byte(plaintext), &service.key)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decodes base64 ciphertext and decrypts it.
func (service *Service) Decrypt(ctx context.Context, encoded string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryption.Wrap(err)
	}

	plaintext, err := cryptopasta.Decrypt(ciphertext, &service.key)
	if err != nil {
		return "", ErrDecryption.Wrap(err)
	}
	return string(plaintext), nil
}
