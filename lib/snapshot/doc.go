// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot persists session state to disk. The session core
// produces Snapshot value objects on every change; this package owns
// all file I/O.
//
// Writes are debounced: rapid snapshot updates during token streaming
// coalesce into one delayed write. Each session is stored as two
// files, a zstd-compressed CBOR payload and a small JSON manifest
// carrying the format version and a keyed BLAKE3 checksum of the
// payload. Load verifies the checksum before decoding, so a torn or
// corrupted snapshot surfaces as an error instead of a half-restored
// transcript.
package snapshot
