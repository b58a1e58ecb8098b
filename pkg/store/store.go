// Package store persists merged document snapshots outside the process.
//
// Two implementations share the same rules: SQLite for real deployments and Memory for tests and
// throwaway servers. Neither lets a document's stored version move backwards.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrStaleVersion is returned by Save when the store already holds a newer version.
	ErrStaleVersion = errors.New("stored version is newer")
)

// Record is one persisted document snapshot.
type Record struct {
	ID        string
	State     []byte
	Version   uint64
	UpdatedAt time.Time
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(state []byte) []byte {
	return zstdEncoder.EncodeAll(state, nil)
}

func decompress(content []byte) ([]byte, error) {
	state, err := zstdDecoder.DecodeAll(content, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return state, nil
}

func validate(r Record) error {
	if r.ID == "" {
		return fmt.Errorf("failed to save: empty document id")
	}
	if len(r.State) == 0 {
		return fmt.Errorf("failed to save %s: empty state", r.ID)
	}
	return nil
}

// Interface is satisfied by both implementations.
type Interface interface {
	Load(ctx context.Context, id string) (Record, error)
	Save(ctx context.Context, r Record) error
	Close() error
}

var (
	_ Interface = (*SQLite)(nil)
	_ Interface = (*Memory)(nil)
)
