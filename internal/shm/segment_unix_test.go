//go:build unix

package shm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentCreateAttachAndUnlink(t *testing.T) {
	dir := t.TempDir()
	const name, size = "test_json_shm", 4096

	first, err := OpenIn(dir, name, size, fastOptions(), quietLogger())
	require.NoError(t, err)
	assert.True(t, first.Created())
	assert.Equal(t, FlagFree, first.Flag())

	// The second opener attaches and adopts the creator's size.
	second, err := OpenIn(dir, "/"+name, 64, fastOptions(), quietLogger())
	require.NoError(t, err)
	assert.False(t, second.Created())
	assert.Equal(t, size, second.Capacity())

	_, err = first.Write(context.Background(), []byte(`{"slot":1003}`))
	require.NoError(t, err)

	got, ok, err := second.TryRead()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"slot":1003}`, string(got))
	assert.Equal(t, FlagFree, first.Flag(), "reader release is visible through the other mapping")

	require.NoError(t, second.Close(false))
	require.NoError(t, first.Close(true))

	_, err = os.Stat(filepath.Join(dir, name))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSegmentRejectsTinySize(t *testing.T) {
	_, err := OpenIn(t.TempDir(), "tiny", HeaderSize, fastOptions(), quietLogger())
	assert.Error(t, err)
}

func TestSegmentRecoversFromWriterKilledMidClaim(t *testing.T) {
	dir := t.TempDir()
	const name, size = "crash_json_shm", 4096

	opts := fastOptions()
	opts.StaleClaim = 30 * time.Millisecond

	crashed, err := OpenIn(dir, name, size, opts, quietLogger())
	require.NoError(t, err)
	_, ok := crashed.tryClaim()
	require.True(t, ok)
	require.NoError(t, crashed.Close(false))

	// A restarted worker reattaches to the same segment.
	restarted, err := OpenIn(dir, name, size, opts, quietLogger())
	require.NoError(t, err)
	defer restarted.Close(true)
	assert.False(t, restarted.Created())
	assert.Equal(t, FlagClaimed, restarted.Flag())

	reader, err := OpenIn(dir, name, size, opts, quietLogger())
	require.NoError(t, err)
	defer reader.Close(false)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := restarted.Write(ctx, []byte(`{"slot":1003}`))
		cancel()
		require.NoError(t, err, "write %d", i)

		got, ok, err := reader.TryRead()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `{"slot":1003}`, string(got))
	}
}

func TestSegmentAttachWaitsForCreatorToSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late_json_shm")

	// The creator has made the file but not sized it yet.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	require.NoError(t, err)
	defer f.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.Truncate(4096)
	}()

	seg, err := OpenIn(dir, "late_json_shm", 4096, fastOptions(), quietLogger())
	require.NoError(t, err)
	defer seg.Close(false)
	assert.False(t, seg.Created())
	assert.Equal(t, 4096, seg.Capacity())
}

func TestSegmentAttachGivesUpOnUnsizedFile(t *testing.T) {
	saved := attachWait
	attachWait = 30 * time.Millisecond
	t.Cleanup(func() { attachWait = saved })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty_json_shm"), nil, 0o666))

	_, err := OpenIn(dir, "empty_json_shm", 4096, fastOptions(), quietLogger())
	assert.ErrorContains(t, err, "has size 0")
}
