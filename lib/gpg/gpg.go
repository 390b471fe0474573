// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package gpg describes the external encryption program: the argument
// vectors for its encrypt, decrypt, and key-listing modes, recipient
// validation, and the armored-block delimiter used to split a
// ciphertext file into independently decryptable chunks.
//
// The program is never linked in; every interaction goes through a
// subprocess speaking plain bytes on stdin/stdout, and a nonzero exit
// is the only failure signal it gives.
package gpg

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/veilfs/veilfs/lib/subproc"
)

// BlockTerminator is the textual end-of-message marker closing each
// armored block. The decrypting program cannot process multiple
// concatenated blocks in one session, so ciphertext is split at this
// marker and each chunk decrypted by a fresh invocation.
const BlockTerminator = "-----END PGP MESSAGE-----\n"

// DefaultProgram is used when no program path is configured.
const DefaultProgram = "gpg"

// ErrInvalidRecipient reports a recipient identifier the encryption
// program does not recognize.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Recipient is a validated identity the encrypting program is
// instructed to encrypt for.
type Recipient string

// Tool locates the external encryption program.
type Tool struct {
	// Program is the binary to invoke; empty means DefaultProgram
	// resolved via PATH.
	Program string
}

func (t Tool) path() string {
	if t.Program == "" {
		return DefaultProgram
	}
	return t.Program
}

// EncryptArgs returns the argument vector for armored encryption to
// the given recipients, one -r flag per recipient.
func (t Tool) EncryptArgs(recipients []Recipient) []string {
	args := []string{"-ae", "--no-tty", "--batch"}
	for _, recipient := range recipients {
		args = append(args, "-r", string(recipient))
	}
	return args
}

// DecryptArgs returns the argument vector for decryption.
func (t Tool) DecryptArgs() []string {
	return []string{"-d", "--no-tty", "--batch"}
}

// Spawn starts the program with the given standard stream wiring (see
// subproc.Start).
func (t Tool) Spawn(inputFD, outputFD int, args []string) (*subproc.Channel, error) {
	return subproc.Start(inputFD, outputFD, t.path(), args)
}

// ValidateRecipient asks the program whether it recognizes the
// identifier, with both standard streams pointed at the null device.
// A nonzero exit maps to ErrInvalidRecipient.
func (t Tool) ValidateRecipient(identifier string) (Recipient, error) {
	input, err := os.Open(os.DevNull)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer input.Close()

	output, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer output.Close()

	channel, err := t.Spawn(int(input.Fd()), int(output.Fd()), []string{"--list-keys", identifier})
	if err != nil {
		return "", fmt.Errorf("running %s: %w", t.path(), err)
	}
	if code := channel.Wait(); code != 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, identifier)
	}
	return Recipient(identifier), nil
}

// ValidateRecipients validates every identifier in order, failing on
// the first the program rejects.
func (t Tool) ValidateRecipients(identifiers []string) ([]Recipient, error) {
	recipients := make([]Recipient, 0, len(identifiers))
	for _, identifier := range identifiers {
		recipient, err := t.ValidateRecipient(identifier)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// SplitBlocks splits ciphertext at each BlockTerminator into chunks,
// each ending just past its terminator. Bytes after the final
// terminator form a trailing chunk of their own; the decrypting
// subprocess decides whether they amount to anything. The returned
// slices alias ciphertext.
func SplitBlocks(ciphertext []byte) [][]byte {
	terminator := []byte(BlockTerminator)

	var blocks [][]byte
	rest := ciphertext
	for len(rest) > 0 {
		i := bytes.Index(rest, terminator)
		if i < 0 {
			blocks = append(blocks, rest)
			break
		}
		end := i + len(terminator)
		blocks = append(blocks, rest[:end])
		rest = rest[end:]
	}
	return blocks
}
