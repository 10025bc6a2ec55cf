// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package objects

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func TestBlobKey(t *testing.T) {
	require.Equal(t, "t1/avatars/a/b.png/01890abc", BlobKey("t1", "avatars", "a/b.png", "01890abc"))
	require.Equal(t, "t1/avatars/a/b.png/01890abc.info", InfoKey("t1", "avatars", "a/b.png", "01890abc"))
}

func TestLimitReaderUnderCap(t *testing.T) {
	lr := newLimitReader(strings.NewReader("hello"), 16)
	data, err := io.ReadAll(lr)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.False(t, lr.Exceeded())
}

func TestLimitReaderExactCap(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 16)
	lr := newLimitReader(bytes.NewReader(payload), 16)
	data, err := io.ReadAll(lr)
	require.NoError(t, err)
	require.Len(t, data, 16)
	require.False(t, lr.Exceeded())
}

func TestLimitReaderOverCap(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 17)
	lr := newLimitReader(bytes.NewReader(payload), 16)
	_, err := io.ReadAll(lr)
	require.Error(t, err)
	require.True(t, ErrPayloadTooLarge.Has(err))
	require.True(t, lr.Exceeded())

	// Further reads keep failing.
	_, err = lr.Read(make([]byte, 4))
	require.True(t, ErrPayloadTooLarge.Has(err))
}

func TestLimitReaderUnlimited(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 1<<16)
	lr := newLimitReader(bytes.NewReader(payload), 0)
	data, err := io.ReadAll(lr)
	require.NoError(t, err)
	require.Len(t, data, 1<<16)
	require.False(t, lr.Exceeded())
}

func TestLimitReaderSmallBuffers(t *testing.T) {
	// One-byte reads check cap accounting across partial reads.
	payload := bytes.Repeat([]byte{'x'}, 40)
	lr := newLimitReader(iotest.OneByteReader(bytes.NewReader(payload)), 32)
	_, err := io.ReadAll(lr)
	require.True(t, ErrPayloadTooLarge.Has(err))
	require.True(t, lr.Exceeded())
}
