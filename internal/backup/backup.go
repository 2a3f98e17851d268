// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package backup writes and reads database backups: indented JSON,
// compressed with zstd and optionally encrypted with age.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/klauspost/compress/zstd"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/model"
)

// ErrEncrypted is returned when reading an encrypted backup without
// identities.
var ErrEncrypted = errors.New("backup is encrypted, an age identity is required")

const ageHeader = "age-encryption.org/v1"

// ParseRecipients parses age public keys (age1...).
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(k)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", k, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseIdentities reads age secret keys, one per line; '#' lines are
// comments, as in age identity files.
func ParseIdentities(text string) ([]age.Identity, error) {
	ids, err := age.ParseIdentities(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parsing identities: %w", err)
	}
	return ids, nil
}

// Write encodes data to w. With recipients the compressed stream is
// encrypted to all of them, ASCII-armored when armored is set.
func Write(w io.Writer, data *model.BackupData, recipients []age.Recipient, armored bool) error {
	out := w
	var closers []io.Closer
	if len(recipients) > 0 {
		if armored {
			aw := armor.NewWriter(out)
			closers = append(closers, aw)
			out = aw
		}
		ew, err := age.Encrypt(out, recipients...)
		if err != nil {
			return fmt.Errorf("creating age encryptor: %w", err)
		}
		closers = append(closers, ew)
		out = ew
	}

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	// Innermost first: the age stream before its armor.
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			return fmt.Errorf("finalizing encryption: %w", err)
		}
	}
	return nil
}

// Read decodes a backup written by Write. Encrypted input, armored or
// binary, is detected from its header.
func Read(r io.Reader, identities []age.Identity) (*model.BackupData, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(armor.Header))
	var in io.Reader = br
	switch {
	case bytes.HasPrefix(head, []byte(armor.Header)):
		if len(identities) == 0 {
			return nil, ErrEncrypted
		}
		dr, err := age.Decrypt(armor.NewReader(br), identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypting: %w", err)
		}
		in = dr
	case bytes.HasPrefix(head, []byte(ageHeader)):
		if len(identities) == 0 {
			return nil, ErrEncrypted
		}
		dr, err := age.Decrypt(br, identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypting: %w", err)
		}
		in = dr
	}

	zr, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var data model.BackupData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	if data.SchemaVersion > model.BackupSchemaVersion {
		return nil, fmt.Errorf("backup schema version %d is newer than supported %d", data.SchemaVersion, model.BackupSchemaVersion)
	}
	return &data, nil
}

// Backup exports st into w.
func Backup(ctx context.Context, st db.Store, w io.Writer, recipients []age.Recipient, armored bool) error {
	data, err := st.ExportAll(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return Write(w, data, recipients, armored)
}

// Restore imports the backup in r into st. A full restore replaces every
// table; otherwise rows are merged.
func Restore(ctx context.Context, st db.Store, r io.Reader, identities []age.Identity, full bool) error {
	data, err := Read(r, identities)
	if err != nil {
		return err
	}
	return st.ImportAll(ctx, data, full)
}
