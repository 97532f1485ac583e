// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/skiffworks/skiff/lib/clock"
	"github.com/skiffworks/skiff/lib/codec"
	"github.com/skiffworks/skiff/lib/session"
)

// manifestVersion is bumped when the payload encoding changes
// incompatibly. Load rejects manifests from a newer version.
const manifestVersion = 1

const (
	payloadSuffix  = ".snapshot"
	manifestSuffix = ".manifest.json"
)

// defaultDebounce is how long after the last Put the write happens.
const defaultDebounce = 2 * time.Second

// payloadDomainKey is the BLAKE3 keyed-hash domain for snapshot
// payloads. The bytes are the ASCII domain name zero-padded to 32;
// changing them invalidates every existing checksum.
var payloadDomainKey = [32]byte{
	's', 'k', 'i', 'f', 'f', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '.',
	'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ErrNotFound is returned by Load when no snapshot exists for the
// session.
var ErrNotFound = errors.New("snapshot: not found")

// Manifest describes one stored snapshot.
type Manifest struct {
	FormatVersion int       `json:"format_version"`
	SessionID     string    `json:"session_id"`
	Checksum      string    `json:"checksum"`
	PayloadBytes  int       `json:"payload_bytes"`
	RawBytes      int       `json:"raw_bytes"`
	SavedAt       time.Time `json:"saved_at"`
}

// Config configures a Store.
type Config struct {
	// Directory holds the snapshot files. Created if absent.
	Directory string

	// Debounce is the quiet period after the last Put before the
	// write happens. Defaults to two seconds.
	Debounce time.Duration

	// Clock drives the debounce timer. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives write failures; the debounced path has no
	// caller to return an error to.
	Logger *slog.Logger
}

// Store is a debounced snapshot writer for any number of sessions.
// Safe for concurrent use.
type Store struct {
	directory string
	debounce  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	compressor   *zstd.Encoder
	decompressor *zstd.Decoder

	mutex   sync.Mutex
	pending map[string]session.Snapshot
	timer   *clock.Timer
	closed  bool
}

// NewStore creates the snapshot directory and returns a Store.
func NewStore(config Config) (*Store, error) {
	if config.Debounce <= 0 {
		config.Debounce = defaultDebounce
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if err := os.MkdirAll(config.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	compressor, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("initializing zstd encoder: %w", err)
	}
	decompressor, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd decoder: %w", err)
	}

	return &Store{
		directory:    config.Directory,
		debounce:     config.Debounce,
		clock:        config.Clock,
		logger:       config.Logger,
		compressor:   compressor,
		decompressor: decompressor,
		pending:      make(map[string]session.Snapshot),
	}, nil
}

// Put schedules a snapshot write. Rapid calls for the same session
// coalesce: only the latest snapshot is written, one debounce period
// after the last call.
func (store *Store) Put(snapshot session.Snapshot) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.closed {
		return
	}
	store.pending[snapshot.SessionID] = snapshot
	if store.timer == nil {
		store.timer = store.clock.AfterFunc(store.debounce, store.flushTimer)
	} else {
		store.timer.Reset(store.debounce)
	}
}

func (store *Store) flushTimer() {
	if err := store.Flush(); err != nil {
		store.logger.Error("snapshot write failed", "error", err)
	}
}

// Flush writes all pending snapshots immediately.
func (store *Store) Flush() error {
	store.mutex.Lock()
	pending := store.pending
	store.pending = make(map[string]session.Snapshot)
	if store.timer != nil {
		store.timer.Stop()
		store.timer = nil
	}
	store.mutex.Unlock()

	var firstErr error
	for _, snapshot := range pending {
		if err := store.write(snapshot); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes pending snapshots and stops the debounce timer. The
// store must not be used afterwards.
func (store *Store) Close() error {
	store.mutex.Lock()
	store.closed = true
	store.mutex.Unlock()
	return store.Flush()
}

func (store *Store) write(snapshot session.Snapshot) error {
	raw, err := codec.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", snapshot.SessionID, err)
	}
	payload := store.compressor.EncodeAll(raw, nil)

	manifest := Manifest{
		FormatVersion: manifestVersion,
		SessionID:     snapshot.SessionID,
		Checksum:      checksum(payload),
		PayloadBytes:  len(payload),
		RawBytes:      len(raw),
		SavedAt:       store.clock.Now(),
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest %s: %w", snapshot.SessionID, err)
	}

	if err := store.writeAtomic(snapshot.SessionID+payloadSuffix, payload); err != nil {
		return err
	}
	return store.writeAtomic(snapshot.SessionID+manifestSuffix, manifestBytes)
}

// writeAtomic writes through a temp file in the same directory so a
// crash mid-write never leaves a truncated snapshot under the final
// name.
func (store *Store) writeAtomic(name string, data []byte) error {
	final := filepath.Join(store.directory, name)
	temp, err := os.CreateTemp(store.directory, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tempName := temp.Name()
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		os.Remove(tempName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tempName, final); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("renaming %s into place: %w", name, err)
	}
	return nil
}

// Load reads, verifies, and decodes the snapshot for sessionID.
func (store *Store) Load(sessionID string) (session.Snapshot, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(store.directory, sessionID+manifestSuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return session.Snapshot{}, ErrNotFound
		}
		return session.Snapshot{}, fmt.Errorf("reading manifest for %s: %w", sessionID, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return session.Snapshot{}, fmt.Errorf("decoding manifest for %s: %w", sessionID, err)
	}
	if manifest.FormatVersion > manifestVersion {
		return session.Snapshot{}, fmt.Errorf(
			"snapshot %s has format version %d, newer than supported %d",
			sessionID, manifest.FormatVersion, manifestVersion)
	}

	payload, err := os.ReadFile(filepath.Join(store.directory, sessionID+payloadSuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return session.Snapshot{}, ErrNotFound
		}
		return session.Snapshot{}, fmt.Errorf("reading payload for %s: %w", sessionID, err)
	}
	if actual := checksum(payload); actual != manifest.Checksum {
		return session.Snapshot{}, fmt.Errorf(
			"snapshot %s payload checksum %s does not match manifest %s",
			sessionID, actual, manifest.Checksum)
	}

	raw, err := store.decompressor.DecodeAll(payload, nil)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("decompressing snapshot %s: %w", sessionID, err)
	}
	var snapshot session.Snapshot
	if err := codec.Unmarshal(raw, &snapshot); err != nil {
		return session.Snapshot{}, fmt.Errorf("decoding snapshot %s: %w", sessionID, err)
	}
	return snapshot, nil
}

// List returns the manifests of all stored snapshots, in directory
// order.
func (store *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(store.directory)
	if err != nil {
		return nil, fmt.Errorf("listing snapshot directory: %w", err)
	}
	var manifests []Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), manifestSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(store.directory, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			store.logger.Warn("skipping unreadable manifest", "file", entry.Name(), "error", err)
			continue
		}
		manifests = append(manifests, manifest)
	}
	return manifests, nil
}

// checksum is the hex keyed BLAKE3 digest of the compressed payload.
func checksum(payload []byte) string {
	hasher, err := blake3.NewKeyed(payloadDomainKey[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}
