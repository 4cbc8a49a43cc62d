// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweep

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the PrevHash of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditFileMode restricts the audit file to its owner.
const auditFileMode = 0600

// RemovalRecord is one hash-chained audit entry for a removed subscription.
//
// The endpoint itself is never written; EndpointHash lets an auditor match a
// record against a known endpoint without the log becoming a list of live
// push capabilities.
type RemovalRecord struct {
	ID           string `json:"id"`
	Sequence     int64  `json:"sequence"`
	Timestamp    string `json:"timestamp"`
	Operation    string `json:"operation"`
	UserID       string `json:"user_id"`
	EndpointHash string `json:"endpoint_hash"`
	LastUpdated  string `json:"last_updated"`
	PrevHash     string `json:"prev_hash"`
	EntryHash    string `json:"entry_hash"`
}

// AuditLog appends RemovalRecords to a JSONL file, each linked to the hash of
// the previous one so any edit breaks the chain.
//
// # Thread Safety
//
// All methods are safe for concurrent use; writes are serialized.
type AuditLog struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	sequence int64
	prevHash string
	now      func() time.Time
}

// OpenAuditLog opens or creates the audit file at path and resumes the chain
// from its last record.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	a := &AuditLog{file: file, path: path, prevHash: GenesisHash, now: time.Now}
	last, err := a.lastRecord()
	if err != nil {
		file.Close()
		return nil, err
	}
	if last != nil {
		a.sequence, a.prevHash = last.Sequence, last.EntryHash
	}

	slog.Info("sweep.audit.opened", "path", path, "sequence", a.sequence)
	return a, nil
}

// LogRemoval appends a record for one removed subscription.
func (a *AuditLog) LogRemoval(operation, userID, endpoint string, lastUpdated time.Time) (RemovalRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record := RemovalRecord{
		ID:           uuid.NewString(),
		Sequence:     a.sequence + 1,
		Timestamp:    a.now().UTC().Format(time.RFC3339Nano),
		Operation:    operation,
		UserID:       userID,
		EndpointHash: sha256Hex([]byte(endpoint)),
		LastUpdated:  lastUpdated.UTC().Format(time.RFC3339),
		PrevHash:     a.prevHash,
	}
	record.EntryHash = recordHash(record)

	line, err := json.Marshal(record)
	if err != nil {
		return RemovalRecord{}, fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		return RemovalRecord{}, fmt.Errorf("write audit record: %w", err)
	}

	a.sequence = record.Sequence
	a.prevHash = record.EntryHash
	return record, nil
}

// VerifyChain re-reads the file and checks every link and entry hash.
//
// # Outputs
//
//	valid - True when the whole chain verifies.
//	breakIndex - Zero-based index of the first bad record, -1 if valid.
//	err - Non-nil only when the file cannot be read.
func (a *AuditLog) VerifyChain() (valid bool, breakIndex int64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		return false, -1, fmt.Errorf("open audit log for verification: %w", err)
	}
	defer file.Close()

	prev := GenesisHash
	var index int64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record RemovalRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.Sequence == 0 {
			return false, index, nil
		}
		if record.PrevHash != prev || recordHash(record) != record.EntryHash {
			return false, index, nil
		}
		prev = record.EntryHash
		index++
	}
	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("read audit log: %w", err)
	}
	return true, -1, nil
}

// Sequence returns the number of records written so far.
func (a *AuditLog) Sequence() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sequence
}

// Close syncs and closes the file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	syncErr := a.file.Sync()
	closeErr := a.file.Close()
	a.file = nil
	if syncErr != nil {
		return fmt.Errorf("sync audit log: %w", syncErr)
	}
	return closeErr
}

func (a *AuditLog) lastRecord() (*RemovalRecord, error) {
	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer file.Close()

	var last *RemovalRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record RemovalRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.Sequence == 0 {
			continue
		}
		last = &record
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return last, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// recordHash hashes every field except EntryHash in a fixed order.
func recordHash(r RemovalRecord) string {
	data := fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s|%s",
		r.ID,
		r.Sequence,
		r.Timestamp,
		r.Operation,
		r.UserID,
		r.EndpointHash,
		r.LastUpdated,
		r.PrevHash,
	)
	return sha256Hex([]byte(data))
}
