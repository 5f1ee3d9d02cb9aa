package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImportRequiresPathOrAdoptOrphans(t *testing.T) {
	libraryRoot = filepath.Join(t.TempDir(), "library")
	configPath = ""
	importAdoptOrphans = false
	t.Cleanup(func() { importAdoptOrphans = false })

	err := importCmd.RunE(importCmd, nil)
	require.Error(t, err)
}

func TestImportAdoptOrphansOnEmptyLibrarySucceeds(t *testing.T) {
	libraryRoot = filepath.Join(t.TempDir(), "library")
	configPath = ""
	importAdoptOrphans = true
	t.Cleanup(func() { importAdoptOrphans = false })

	err := importCmd.RunE(importCmd, nil)
	require.NoError(t, err)
}

func TestRebuildIndexOnEmptyLibrarySucceeds(t *testing.T) {
	libraryRoot = filepath.Join(t.TempDir(), "library")
	configPath = ""
	rebuildDeep = false
	t.Cleanup(func() { rebuildDeep = false })

	err := rebuildIndexCmd.RunE(rebuildIndexCmd, nil)
	require.NoError(t, err)
}

func TestDoctorOnEmptyLibrarySucceeds(t *testing.T) {
	libraryRoot = filepath.Join(t.TempDir(), "library")
	configPath = ""

	err := doctorCmd.RunE(doctorCmd, nil)
	require.NoError(t, err)
}
