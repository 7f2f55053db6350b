package upload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/gcs-connector/internal/lock"
	"github.com/maauso/gcs-connector/internal/output"
	"github.com/maauso/gcs-connector/internal/stability"
)

func newTestImageWorker(t *testing.T, dir string, store *mockStorage) *ImageWorker {
	t.Helper()
	d, err := output.Parse("gs://b/v/%Y/x.mp4")
	require.NoError(t, err)
	locks := lock.NewManager(lock.WithStaleAfter(time.Minute), lock.WithLogger(testLogger()))
	w := newImageWorker(dir, d, time.Second, locks, stability.NewChecker(10*time.Millisecond),
		newTestShipper(store), time.Second, testLogger())
	w.now = func() time.Time { return segmentNow }
	return w
}

func TestIsImage(t *testing.T) {
	for name, want := range map[string]bool{
		"a.jpg":       true,
		"a.JPG":       true,
		"a.jpeg":      true,
		"a.png":       true,
		"a.gif":       false,
		"a.jpg.lock":  false,
		".hidden.jpg": false,
		"jpg":         false,
	} {
		assert.Equal(t, want, IsImage(name), name)
	}
}

func TestImageWorker_ObjectKey(t *testing.T) {
	w := newTestImageWorker(t, t.TempDir(), &mockStorage{})
	assert.Equal(t, "v/2024/images/img1.jpg", w.ObjectKey("/watch/img1.jpg", segmentNow))
}

func TestImageWorker_UploadsImages(t *testing.T) {
	dir := t.TempDir()
	store := &mockStorage{}
	store.On("Put", mock.Anything, mock.Anything, "b", mock.Anything).Return(nil)

	w := newTestImageWorker(t, dir, store)
	old := segmentNow.Add(-time.Hour)
	writeFile(t, dir, "a.JPG", "a", old)
	writeFile(t, dir, "b.png", "b", old.Add(time.Second))
	writeFile(t, dir, "c.jpeg", "c", old.Add(2*time.Second))
	writeFile(t, dir, "d.gif", "d", old)
	writeFile(t, dir, ".e.jpg", "e", old)

	assert.Equal(t, 3, w.pass(context.Background()))
	assert.Equal(t, []string{
		"b/v/2024/images/a.JPG",
		"b/v/2024/images/b.png",
		"b/v/2024/images/c.jpeg",
	}, store.uploaded())

	for _, name := range []string{"a.JPG", "b.png", "c.jpeg"} {
		assert.NoFileExists(t, filepath.Join(dir, name))
		assert.NoFileExists(t, lock.MarkerPath(filepath.Join(dir, name)))
	}
	assert.FileExists(t, filepath.Join(dir, "d.gif"))
	assert.FileExists(t, filepath.Join(dir, ".e.jpg"))
	assert.Equal(t, 3, w.ship.entries.Len())
}

func TestImageWorker_SkipsLockedImageUntilReleased(t *testing.T) {
	dir := t.TempDir()
	store := &mockStorage{}
	store.On("Put", mock.Anything, mock.Anything, "b", "v/2024/images/img1.jpg").Return(nil).Once()

	w := newTestImageWorker(t, dir, store)
	img := writeFile(t, dir, "img1.jpg", "pixels", segmentNow.Add(-time.Hour))
	marker := lock.MarkerPath(img)
	require.NoError(t, os.WriteFile(marker, []byte("someone-else\n"), 0o600))

	assert.Zero(t, w.pass(context.Background()))
	store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.FileExists(t, img)
	assert.FileExists(t, marker)

	require.NoError(t, os.Remove(marker))
	assert.Equal(t, 1, w.pass(context.Background()))
	assert.NoFileExists(t, img)
	assert.NoFileExists(t, marker)
	store.AssertExpectations(t)
}

func TestImageWorker_SweepsStaleLock(t *testing.T) {
	dir := t.TempDir()
	store := &mockStorage{}
	store.On("Put", mock.Anything, mock.Anything, "b", "v/2024/images/img1.jpg").Return(nil).Once()

	w := newTestImageWorker(t, dir, store)
	img := writeFile(t, dir, "img1.jpg", "pixels", segmentNow.Add(-time.Hour))
	writeFile(t, dir, "img1.jpg.lock", "crashed-owner\n", time.Now().Add(-time.Hour))

	assert.Equal(t, 1, w.pass(context.Background()))
	assert.NoFileExists(t, img)
	store.AssertExpectations(t)
}

func TestImageWorker_ReleasesLockOnFailure(t *testing.T) {
	dir := t.TempDir()
	store := &mockStorage{}
	store.On("Put", mock.Anything, mock.Anything, "b", mock.Anything).Return(errFlaky)

	w := newTestImageWorker(t, dir, store)
	img := writeFile(t, dir, "img1.jpg", "pixels", segmentNow.Add(-time.Hour))

	assert.Zero(t, w.pass(context.Background()))
	assert.FileExists(t, img)
	assert.NoFileExists(t, lock.MarkerPath(img))
	assert.Zero(t, w.ship.entries.Len())
	assert.Equal(t, int64(1), w.Status().Failed)
}

func TestImageWorker_DrainsAfterCancel(t *testing.T) {
	dir := t.TempDir()
	store := &mockStorage{}
	store.On("Put", mock.Anything, mock.Anything, "b", "v/2024/images/img1.jpg").Return(nil).Once()

	w := newTestImageWorker(t, dir, store)
	writeFile(t, dir, "img1.jpg", "pixels", segmentNow.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	store.AssertExpectations(t)
}
