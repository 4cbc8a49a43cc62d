// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vapid

import (
	"log/slog"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// minMlockKB is enough locked memory for the enclave key plus one open
// buffer per concurrent Sign call.
const minMlockKB = 64

// checkMlock logs whether the process may lock enough memory for the key
// enclave. memguard degrades to unlocked pages when it cannot. Runs once per
// Signer, from its single successful Initialize.
func checkMlock(logger *slog.Logger) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		logger.Warn("vapid.mlock.unknown", "error", err)
		return
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		logger.Debug("vapid.mlock.ok", "limit_kb", -1)
		return
	}
	limitKB := int64(rlimit.Cur / 1024)
	if limitKB < minMlockKB {
		logger.Warn("vapid.mlock.insufficient",
			"limit_kb", limitKB,
			"required_kb", minMlockKB,
			"help", "raise ulimit -l so the VAPID key stays out of swap")
		return
	}
	logger.Debug("vapid.mlock.ok", "limit_kb", limitKB)
}

// Purge wipes every memguard enclave and buffer in the process. After Purge,
// Identity.Sign fails. Call only during shutdown.
func Purge() {
	memguard.Purge()
}
