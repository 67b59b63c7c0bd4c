// Package outputs implements the output blob store (C7, §4.7): zstd
// compression of stdout/stderr/error payloads, write-once persistence, and
// replace-in-transaction semantics on a return.
package outputs

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/openqc/fleet/pkg/ferrors"
	"github.com/openqc/fleet/pkg/storage"
	"github.com/openqc/fleet/pkg/types"
)

func compress(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// Persist compresses the stdout/stderr/error payloads carried by a task
// result and replaces the record's stored output blobs with them, returning
// the blob-id map a single compute-history entry should carry (§4.7, §8:
// "exactly one entry with two outputs"). A result with no stdout, no stderr
// and no error payload persists no blobs and returns an empty map.
func Persist(ctx context.Context, store storage.Store, recordID string, result types.TaskResult) (types.HistoryOutputs, error) {
	blobs := map[types.OutputType]*types.OutputBlob{}

	if result.Stdout != "" {
		compressed, err := compress([]byte(result.Stdout))
		if err != nil {
			return nil, ferrors.Wrap(ferrors.DeveloperError, "compress stdout failed", err)
		}
		blobs[types.OutputStdout] = &types.OutputBlob{OutputType: types.OutputStdout, Compressed: compressed}
	}
	if result.Stderr != "" {
		compressed, err := compress([]byte(result.Stderr))
		if err != nil {
			return nil, ferrors.Wrap(ferrors.DeveloperError, "compress stderr failed", err)
		}
		blobs[types.OutputStderr] = &types.OutputBlob{OutputType: types.OutputStderr, Compressed: compressed}
	}
	if len(result.Error) > 0 {
		compressed, err := compress(result.Error)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.DeveloperError, "compress error payload failed", err)
		}
		blobs[types.OutputError] = &types.OutputBlob{OutputType: types.OutputError, Compressed: compressed}
	}

	if len(blobs) == 0 {
		return types.HistoryOutputs{}, nil
	}
	return store.ReplaceRecordOutputs(ctx, recordID, blobs)
}

// Get fetches and decompresses a single output blob by id.
func Get(ctx context.Context, store storage.Store, id string) ([]byte, error) {
	blob, err := store.GetOutputBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	return decompress(blob.Compressed)
}
