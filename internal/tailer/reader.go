package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

var (
	// errOffsetBeyondSize means the file shrank between stat and open.
	errOffsetBeyondSize = errors.New("offset beyond end of file")
	// errIdentityChanged means the path was replaced between stat and open.
	errIdentityChanged = errors.New("file identity changed")
)

// ReadResult describes one bounded read.
type ReadResult struct {
	// Size and Identity of the opened file, observed when the read began.
	Size     uint64
	Identity FileIdentity
	// Consumed counts bytes of complete lines accepted by the callback.
	Consumed uint64
	Lines    int
}

// Reader performs bounded reads: from an offset up to the size the file had
// when it was opened, never following further growth.
type Reader struct {
	Fs afero.Fs
}

// ReadFrom calls fn for every complete line between start and the current end
// of file. Lines are split on '\n' and a trailing '\r' is trimmed; n is the
// physical length including the terminator. A trailing fragment without '\n'
// is left unread so the next read starts at the beginning of that line.
//
// If expect is known and the opened file has a different known identity,
// nothing is read and errIdentityChanged is returned. A non-nil error from fn
// stops the read. Bytes are counted as consumed only after fn accepted the
// line. Cancelling ctx closes the file, interrupting a blocked read.
func (r *Reader) ReadFrom(ctx context.Context, path string, start uint64, expect FileIdentity, fn func(line string, n int) error) (ReadResult, error) {
	var res ReadResult

	file, err := r.Fs.Open(path)
	if err != nil {
		return res, err
	}

	stopClose := context.AfterFunc(ctx, func() {
		file.Close()
	})
	defer func() {
		if stopClose() {
			file.Close()
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return res, fmt.Errorf("error getting file stats: %w", err)
	}
	res.Size = uint64(info.Size())
	res.Identity = identityOf(info)

	if expect.Known() && res.Identity.Known() && !expect.Equal(res.Identity) {
		return res, errIdentityChanged
	}
	if start > res.Size {
		return res, errOffsetBeyondSize
	}
	if start == res.Size {
		return res, nil
	}

	if _, err := file.Seek(int64(start), io.SeekStart); err != nil {
		return res, fmt.Errorf("error seeking to offset %d: %w", start, err)
	}

	reader := bufio.NewReader(io.LimitReader(file, int64(res.Size-start)))
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if err == io.EOF {
				// line holds an unterminated fragment, if any
				return res, nil
			}
			return res, fmt.Errorf("error reading file: %w", err)
		}

		n := len(line)
		text := strings.TrimSuffix(line[:n-1], "\r")
		if err := fn(text, n); err != nil {
			return res, err
		}
		res.Consumed += uint64(n)
		res.Lines++

		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
	}
}
