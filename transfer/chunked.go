package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize matches the relay's file chunk framing.
const DefaultChunkSize = 64 * 1024

// Progress reports how far a chunked stream has advanced.
type Progress struct {
	BytesSent  int64
	TotalBytes int64
}

// PushFile streams a local file into dst in fixed-size chunks, reporting
// progress after each chunk. Cancelling the context abandons the stream.
func PushFile(ctx context.Context, dst io.Writer, path string, chunkSize int, onProgress func(Progress)) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	total := info.Size()

	buffer := make([]byte, chunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := file.Read(buffer)
		if n > 0 {
			if _, err := dst.Write(buffer[:n]); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			sent += int64(n)
			if onProgress != nil {
				onProgress(Progress{BytesSent: sent, TotalBytes: total})
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read chunk: %w", readErr)
		}
	}

	if sent != total {
		return fmt.Errorf("short push: sent %d of %d bytes", sent, total)
	}
	return nil
}

// ReceiveFile streams src into a temp file next to dest and renames it into
// place only when the full byte count arrived. Cancellation or a short
// stream removes the partial file.
func ReceiveFile(ctx context.Context, src io.Reader, dest string, totalBytes int64, chunkSize int, onProgress func(Progress)) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	tempPath := dest + ".part"
	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = out.Close()
		_ = os.Remove(tempPath)
	}

	buffer := make([]byte, chunkSize)
	var received int64
	for received < totalBytes {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}

		want := int64(len(buffer))
		if remaining := totalBytes - received; remaining < want {
			want = remaining
		}
		n, readErr := src.Read(buffer[:want])
		if n > 0 {
			if _, err := out.Write(buffer[:n]); err != nil {
				cleanup()
				return fmt.Errorf("write chunk: %w", err)
			}
			received += int64(n)
			if onProgress != nil {
				onProgress(Progress{BytesSent: received, TotalBytes: totalBytes})
			}
		}
		if readErr != nil {
			cleanup()
			if errors.Is(readErr, io.EOF) {
				return fmt.Errorf("short receive: got %d of %d bytes", received, totalBytes)
			}
			return fmt.Errorf("read chunk: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("finalize received file: %w", err)
	}
	return nil
}
