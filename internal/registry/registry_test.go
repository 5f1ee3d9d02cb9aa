package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegisterAndGetByPath(t *testing.T) {
	r := openTestRegistry(t)
	libDir := t.TempDir()

	lib, err := r.Register(libDir, "my-library")
	require.NoError(t, err)
	require.Equal(t, "my-library", lib.Name)

	got, err := r.GetByPath(libDir)
	require.NoError(t, err)
	require.Equal(t, lib.Path, got.Path)
}

func TestRegisterTwiceRefreshesNameNotDuplicates(t *testing.T) {
	r := openTestRegistry(t)
	libDir := t.TempDir()

	_, err := r.Register(libDir, "first-name")
	require.NoError(t, err)
	_, err = r.Register(libDir, "second-name")
	require.NoError(t, err)

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "second-name", all[0].Name)
}

func TestGetDefaultReturnsMostRecentlyAccessed(t *testing.T) {
	r := openTestRegistry(t)
	dirA, dirB := t.TempDir(), t.TempDir()

	_, err := r.Register(dirA, "a")
	require.NoError(t, err)
	_, err = r.Register(dirB, "b")
	require.NoError(t, err)

	def, err := r.GetDefault()
	require.NoError(t, err)
	require.Equal(t, "b", def.Name)
}

func TestRegisterInstanceUpsertsByPath(t *testing.T) {
	r := openTestRegistry(t)
	libDir := t.TempDir()

	require.NoError(t, r.RegisterInstance(libDir, os.Getpid(), 8080, "0.1.0"))
	require.NoError(t, r.RegisterInstance(libDir, os.Getpid(), 9090, "0.1.0"))

	inst, err := r.GetInstance(libDir)
	require.NoError(t, err)
	require.Equal(t, 9090, inst.Port)
}

func TestUnregisterInstanceRemovesRow(t *testing.T) {
	r := openTestRegistry(t)
	libDir := t.TempDir()

	require.NoError(t, r.RegisterInstance(libDir, os.Getpid(), 8080, "0.1.0"))
	require.NoError(t, r.UnregisterInstance(libDir))

	_, err := r.GetInstance(libDir)
	require.Error(t, err)
}

func TestCleanupStaleRemovesDeadPIDsAndVanishedPaths(t *testing.T) {
	r := openTestRegistry(t)
	liveDir := t.TempDir()
	vanishingDir := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.MkdirAll(vanishingDir, 0o755))

	_, err := r.Register(liveDir, "live")
	require.NoError(t, err)
	_, err = r.Register(vanishingDir, "vanishing")
	require.NoError(t, err)

	require.NoError(t, r.RegisterInstance(liveDir, os.Getpid(), 8080, "0.1.0"))
	require.NoError(t, r.RegisterInstance(vanishingDir, 999999, 8081, "0.1.0"))

	require.NoError(t, os.RemoveAll(vanishingDir))

	result, err := r.CleanupStale()
	require.NoError(t, err)
	require.Equal(t, 1, result.StaleInstances)
	require.Equal(t, 1, result.VanishedLibraries)

	_, err = r.GetInstance(liveDir)
	require.NoError(t, err, "live instance with a running PID should survive cleanup")

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "live", all[0].Name)
}

func TestIsProcessRunningFalseForImpossiblePID(t *testing.T) {
	require.False(t, isProcessRunning(999999))
	require.False(t, isProcessRunning(0))
}

func TestIsProcessRunningTrueForSelf(t *testing.T) {
	require.True(t, isProcessRunning(os.Getpid()))
}

func TestAcquireLibraryLockRejectsSecondHolder(t *testing.T) {
	root := t.TempDir()

	lock, err := AcquireLibraryLock(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Release() })

	_, err = AcquireLibraryLock(root)
	require.Error(t, err)
}

func TestAcquireLibraryLockReusableAfterRelease(t *testing.T) {
	root := t.TempDir()

	lock, err := AcquireLibraryLock(root)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	lock2, err := AcquireLibraryLock(root)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}
