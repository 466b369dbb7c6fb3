package state

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const testFolder = "abcd-1234"

var testPeer = protocol.NewDeviceID([]byte("peer-cert"))

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoad_ReopensExistingDB(t *testing.T) {
	dir := t.TempDir()

	s1, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, s1.PutFolder(models.FolderInfo{ID: testFolder, Label: "Docs"}))
	require.NoError(t, s1.Close())

	s2, err := Load(dir)
	require.NoError(t, err)
	defer s2.Close()

	f, err := s2.Folder(testFolder)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "Docs", f.Label)
}

// --- Folders ---

func TestFolder_MissingIsNil(t *testing.T) {
	s := testDB(t)

	f, err := s.Folder("nope")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestFolders_OrderedWithLists(t *testing.T) {
	s := testDB(t)

	b := models.FolderInfo{ID: "b"}
	b.AllowDevice(testPeer)

	require.NoError(t, s.PutFolder(b))
	require.NoError(t, s.PutFolder(models.FolderInfo{ID: "a"}))

	folders, err := s.Folders()
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "a", folders[0].ID)
	assert.True(t, folders[1].IsWhitelisted(testPeer))
}

func TestPutFolder_EmptyID(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.PutFolder(models.FolderInfo{}))
}

// --- Files ---

func TestPutFile_RoundTrip(t *testing.T) {
	s := testDB(t)

	rec := models.FileRecord{
		Folder:    testFolder,
		Path:      "docs/a.txt",
		Size:      5,
		ModifiedS: 1700000000,
		Sequence:  3,
		Hash:      []byte{1, 2, 3},
		Blocks:    []models.Block{{Offset: 0, Size: 5, Hash: []byte{9}}},
	}

	require.NoError(t, s.Update(func(tx *Tx) error { return tx.PutFile(rec) }))

	got, err := s.File(testFolder, "docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	missing, err := s.File(testFolder, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFileMeta_PeeksStoredFields(t *testing.T) {
	s := testDB(t)

	rec := models.FileRecord{
		Folder:     testFolder,
		Path:       "d",
		Type:       models.FileTypeDirectory,
		Deleted:    true,
		ModifiedS:  1700000001,
		ModifiedNs: 500,
		Sequence:   8,
	}
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.PutFile(rec) }))

	require.NoError(t, s.View(func(tx *Tx) error {
		meta, ok := tx.FileMeta(testFolder, "d")
		require.True(t, ok)
		assert.Equal(t, models.FileTypeDirectory, meta.Type)
		assert.True(t, meta.Deleted)
		assert.Equal(t, int64(8), meta.Sequence)
		assert.Equal(t, time.Unix(1700000001, 500), meta.ModTime())
		assert.True(t, meta.Contribution(testFolder).IsZero())

		_, ok = tx.FileMeta(testFolder, "missing")
		assert.False(t, ok)

		_, ok = tx.FileMeta("no-folder", "d")
		assert.False(t, ok)

		return nil
	}))
}

func TestFileMeta_Matches(t *testing.T) {
	s := testDB(t)

	rec := models.FileRecord{
		Folder:    testFolder,
		Path:      "a.txt",
		Size:      5,
		ModifiedS: 1700000000,
		Hash:      []byte{0xfb, 0xff, 0x01, 0x02},
	}
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.PutFile(rec) }))

	require.NoError(t, s.View(func(tx *Tx) error {
		meta, ok := tx.FileMeta(testFolder, "a.txt")
		require.True(t, ok)
		assert.True(t, meta.Matches(&rec))

		changed := rec
		changed.Hash = []byte{0x09}
		assert.False(t, meta.Matches(&changed))

		touched := rec
		touched.ModifiedNs = 1
		assert.False(t, meta.Matches(&touched))

		deleted := rec
		deleted.Deleted = true
		assert.False(t, meta.Matches(&deleted))

		return nil
	}))
}

func TestFiles_OrderedByPath(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		for _, p := range []string{"c", "a", "b"} {
			if err := tx.PutFile(models.FileRecord{Folder: testFolder, Path: p}); err != nil {
				return err
			}
		}

		return nil
	}))

	files, err := s.Files(testFolder)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "a", files[0].Path)
	assert.Equal(t, "c", files[2].Path)

	empty, err := s.Files("unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// --- Sequences and index ids ---

func TestNextSequence_Monotonic(t *testing.T) {
	s := testDB(t)

	var seqs []int64

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(func(tx *Tx) error {
			seq, err := tx.NextSequence(testFolder)
			seqs = append(seqs, seq)

			return err
		}))
	}

	assert.Equal(t, []int64{1, 2, 3}, seqs)

	require.NoError(t, s.View(func(tx *Tx) error {
		assert.Equal(t, int64(3), tx.Sequence(testFolder))
		assert.Equal(t, int64(0), tx.Sequence("other"))

		return nil
	}))
}

func TestLocalIndexID_StableAfterCreation(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.View(func(tx *Tx) error {
		id, err := tx.LocalIndexID(testFolder)
		assert.Zero(t, id, "read-only transaction does not create ids")

		return err
	}))

	var first uint64

	require.NoError(t, s.Update(func(tx *Tx) error {
		var err error
		first, err = tx.LocalIndexID(testFolder)

		return err
	}))
	assert.NotZero(t, first)

	require.NoError(t, s.View(func(tx *Tx) error {
		id, err := tx.LocalIndexID(testFolder)
		assert.Equal(t, first, id)

		return err
	}))
}

// --- IndexInfo ---

func TestIndexInfo_RoundTripAndListing(t *testing.T) {
	s := testDB(t)
	other := protocol.NewDeviceID([]byte("other"))

	require.NoError(t, s.Update(func(tx *Tx) error {
		for _, ii := range []models.IndexInfo{
			{Folder: "z", DeviceID: testPeer, IndexID: 1, MaxSequence: 10},
			{Folder: "a", DeviceID: testPeer, IndexID: 2, LocalSequence: 4, MaxSequence: 4},
			{Folder: "a", DeviceID: other, IndexID: 3},
		} {
			if err := tx.PutIndexInfo(ii); err != nil {
				return err
			}
		}

		return nil
	}))

	ii, err := s.IndexInfo("a", testPeer)
	require.NoError(t, err)
	require.NotNil(t, ii)
	assert.True(t, ii.Acquired())

	missing, err := s.IndexInfo("a", protocol.NewDeviceID([]byte("nobody")))
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.View(func(tx *Tx) error {
		infos, err := tx.DeviceIndexInfos(testPeer)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "a", infos[0].Folder)
		assert.Equal(t, "z", infos[1].Folder)

		return nil
	}))
}

// --- Stats ---

func TestApplyStatsDelta_Accumulates(t *testing.T) {
	s := testDB(t)
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.Update(func(tx *Tx) error {
		_, err := tx.ApplyStatsDelta(models.StatsDelta{Folder: testFolder, Files: 2, Size: 100, LastUpdate: now})
		return err
	}))
	require.NoError(t, s.Update(func(tx *Tx) error {
		st, err := tx.ApplyStatsDelta(models.StatsDelta{Folder: testFolder, Files: -1, Dirs: 1, Size: -40})
		assert.Equal(t, int64(1), st.Files)

		return err
	}))

	st, err := s.Stats(testFolder)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Files)
	assert.Equal(t, int64(1), st.Dirs)
	assert.Equal(t, int64(60), st.Size)
	assert.True(t, now.Equal(st.LastUpdate))

	empty, err := s.Stats("other")
	require.NoError(t, err)
	assert.Equal(t, models.FolderStats{Folder: "other"}, empty)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	s := testDB(t)

	err := s.Update(func(tx *Tx) error {
		if err := tx.PutFile(models.FileRecord{Folder: testFolder, Path: "x"}); err != nil {
			return err
		}

		if _, err := tx.ApplyStatsDelta(models.StatsDelta{Folder: testFolder, Files: 1}); err != nil {
			return err
		}

		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	rec, err := s.File(testFolder, "x")
	require.NoError(t, err)
	assert.Nil(t, rec)

	st, err := s.Stats(testFolder)
	require.NoError(t, err)
	assert.Zero(t, st.Files)
}
