package state

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	dbFileName = "state.db"
)

var (
	foldersBucket   = []byte("folders")
	indexInfoBucket = []byte("index_info")
	statsBucket     = []byte("folder_stats")
	indexIDBucket   = []byte("index_ids")
)

// filesBucket holds the records of one folder keyed by path. Its bolt
// sequence counter is the folder's local sequence generator.
func filesBucket(folder string) []byte {
	return []byte("folder:" + folder + ":files")
}

func indexInfoKey(folder string, device protocol.DeviceID) []byte {
	key := make([]byte, 0, len(folder)+1+protocol.DeviceIDLength)
	key = append(key, folder...)
	key = append(key, 0)

	return append(key, device[:]...)
}

// State wraps a bbolt database holding folders, file records, index
// progress per peer and folder statistics.
type State struct {
	db *bolt.DB
}

// Load opens the state database inside dir, creating it if needed.
func Load(dir string) (*State, error) {
	return LoadAt(filepath.Join(dir, dbFileName))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{foldersBucket, indexInfoBucket, statsBucket, indexIDBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction. All writes made by fn are
// committed together or not at all.
func (s *State) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (s *State) View(fn func(tx *Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Folder returns the folder with the given id, or nil.
func (s *State) Folder(id string) (*models.FolderInfo, error) {
	var f *models.FolderInfo

	err := s.View(func(tx *Tx) error {
		var err error
		f, err = tx.Folder(id)

		return err
	})

	return f, err
}

// Folders returns all folders ordered by id.
func (s *State) Folders() ([]models.FolderInfo, error) {
	var out []models.FolderInfo

	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.Folders()

		return err
	})

	return out, err
}

// PutFolder stores a folder definition.
func (s *State) PutFolder(f models.FolderInfo) error {
	return s.Update(func(tx *Tx) error {
		return tx.PutFolder(f)
	})
}

// File returns the record at path, or nil if none exists.
func (s *State) File(folder, path string) (*models.FileRecord, error) {
	var rec *models.FileRecord

	err := s.View(func(tx *Tx) error {
		var err error
		rec, err = tx.File(folder, path)

		return err
	})

	return rec, err
}

// Files returns all records of a folder ordered by path.
func (s *State) Files(folder string) ([]models.FileRecord, error) {
	var out []models.FileRecord

	err := s.View(func(tx *Tx) error {
		return tx.ForEachFile(folder, func(rec models.FileRecord) error {
			out = append(out, rec)
			return nil
		})
	})

	return out, err
}

// Stats returns the statistics of a folder.
func (s *State) Stats(folder string) (models.FolderStats, error) {
	var st models.FolderStats

	err := s.View(func(tx *Tx) error {
		var err error
		st, err = tx.Stats(folder)

		return err
	})

	return st, err
}

// IndexInfo returns the ingestion progress for a peer's folder index, or
// nil if the peer never announced the folder.
func (s *State) IndexInfo(folder string, device protocol.DeviceID) (*models.IndexInfo, error) {
	var ii *models.IndexInfo

	err := s.View(func(tx *Tx) error {
		var err error
		ii, err = tx.IndexInfo(folder, device)

		return err
	})

	return ii, err
}

// Tx is a transaction scoped view of the state.
type Tx struct {
	tx *bolt.Tx
}

func getJSON[T any](b *bolt.Bucket, key []byte) (*T, error) {
	if b == nil {
		return nil, nil
	}

	v := b.Get(key)
	if v == nil {
		return nil, nil
	}

	out := new(T)
	if err := json.Unmarshal(v, out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}

	return out, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

// Folder returns the folder with the given id, or nil.
func (t *Tx) Folder(id string) (*models.FolderInfo, error) {
	return getJSON[models.FolderInfo](t.tx.Bucket(foldersBucket), []byte(id))
}

// PutFolder stores a folder definition.
func (t *Tx) PutFolder(f models.FolderInfo) error {
	if f.ID == "" {
		return fmt.Errorf("folder id is empty")
	}

	return putJSON(t.tx.Bucket(foldersBucket), []byte(f.ID), f)
}

// Folders returns all folders ordered by id.
func (t *Tx) Folders() ([]models.FolderInfo, error) {
	var out []models.FolderInfo

	err := t.tx.Bucket(foldersBucket).ForEach(func(k, v []byte) error {
		var f models.FolderInfo
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("decoding folder %s: %w", k, err)
		}

		out = append(out, f)

		return nil
	})

	return out, err
}

// File returns the record at path, or nil if none exists.
func (t *Tx) File(folder, path string) (*models.FileRecord, error) {
	return getJSON[models.FileRecord](t.tx.Bucket(filesBucket(folder)), []byte(path))
}

// FileMeta is the subset of a stored record needed to merge an incoming
// one. It is read without decoding the block list.
type FileMeta struct {
	ModifiedS  int64
	ModifiedNs int32
	Deleted    bool
	Type       models.FileType
	Size       int64
	Sequence   int64
	Hash       string
}

// ModTime returns the stored modification time.
func (m FileMeta) ModTime() time.Time {
	return time.Unix(m.ModifiedS, int64(m.ModifiedNs))
}

// Contribution mirrors models.FileRecord.Contribution.
func (m FileMeta) Contribution(folder string) models.StatsDelta {
	rec := models.FileRecord{Folder: folder, Type: m.Type, Size: m.Size, Deleted: m.Deleted}
	return rec.Contribution()
}

// Matches reports whether rec describes the same content, time and
// deletion state as the stored record.
func (m FileMeta) Matches(rec *models.FileRecord) bool {
	return m.Deleted == rec.Deleted &&
		m.ModTime().Equal(rec.ModTime()) &&
		m.Hash == base64.StdEncoding.EncodeToString(rec.Hash)
}

// FileMeta peeks at the stored record at path.
func (t *Tx) FileMeta(folder, path string) (FileMeta, bool) {
	b := t.tx.Bucket(filesBucket(folder))
	if b == nil {
		return FileMeta{}, false
	}

	v := b.Get([]byte(path))
	if v == nil {
		return FileMeta{}, false
	}

	r := gjson.GetManyBytes(v, "modified_s", "modified_ns", "deleted", "type", "size", "sequence", "hash")

	return FileMeta{
		ModifiedS:  r[0].Int(),
		ModifiedNs: int32(r[1].Int()),
		Deleted:    r[2].Bool(),
		Type:       models.FileType(r[3].Int()),
		Size:       r[4].Int(),
		Sequence:   r[5].Int(),
		Hash:       r[6].String(),
	}, true
}

// PutFile stores a record, creating the folder's file bucket if needed.
func (t *Tx) PutFile(rec models.FileRecord) error {
	b, err := t.tx.CreateBucketIfNotExists(filesBucket(rec.Folder))
	if err != nil {
		return fmt.Errorf("creating files bucket for %s: %w", rec.Folder, err)
	}

	return putJSON(b, []byte(rec.Path), rec)
}

// ForEachFile calls fn for every record of a folder in path order.
func (t *Tx) ForEachFile(folder string, fn func(models.FileRecord) error) error {
	b := t.tx.Bucket(filesBucket(folder))
	if b == nil {
		return nil
	}

	return b.ForEach(func(k, v []byte) error {
		var rec models.FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding record %s: %w", k, err)
		}

		return fn(rec)
	})
}

// NextSequence allocates the next local sequence number of a folder.
func (t *Tx) NextSequence(folder string) (int64, error) {
	b, err := t.tx.CreateBucketIfNotExists(filesBucket(folder))
	if err != nil {
		return 0, fmt.Errorf("creating files bucket for %s: %w", folder, err)
	}

	seq, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("allocating sequence for %s: %w", folder, err)
	}

	return int64(seq), nil
}

// Sequence returns the last sequence number allocated for a folder.
func (t *Tx) Sequence(folder string) int64 {
	b := t.tx.Bucket(filesBucket(folder))
	if b == nil {
		return 0
	}

	return int64(b.Sequence())
}

// LocalIndexID returns this device's index id for a folder, creating a
// random one on first use. Read-only transactions report zero for a folder
// that has none yet.
func (t *Tx) LocalIndexID(folder string) (uint64, error) {
	b := t.tx.Bucket(indexIDBucket)

	if v := b.Get([]byte(folder)); len(v) == 8 {
		return binary.BigEndian.Uint64(v), nil
	}

	if !t.tx.Writable() {
		return 0, nil
	}

	id := rand.Uint64() //nolint:gosec // G404: index ids only need to differ, not be secret
	for id == 0 {
		id = rand.Uint64() //nolint:gosec // G404
	}

	if err := b.Put([]byte(folder), binary.BigEndian.AppendUint64(nil, id)); err != nil {
		return 0, fmt.Errorf("storing index id for %s: %w", folder, err)
	}

	return id, nil
}

// IndexInfo returns the ingestion progress for a peer's folder index, or nil.
func (t *Tx) IndexInfo(folder string, device protocol.DeviceID) (*models.IndexInfo, error) {
	return getJSON[models.IndexInfo](t.tx.Bucket(indexInfoBucket), indexInfoKey(folder, device))
}

// PutIndexInfo stores ingestion progress.
func (t *Tx) PutIndexInfo(ii models.IndexInfo) error {
	return putJSON(t.tx.Bucket(indexInfoBucket), indexInfoKey(ii.Folder, ii.DeviceID), ii)
}

// DeviceIndexInfos returns the progress entries of one peer, ordered by folder.
func (t *Tx) DeviceIndexInfos(device protocol.DeviceID) ([]models.IndexInfo, error) {
	var out []models.IndexInfo

	err := t.tx.Bucket(indexInfoBucket).ForEach(func(k, v []byte) error {
		var ii models.IndexInfo
		if err := json.Unmarshal(v, &ii); err != nil {
			return fmt.Errorf("decoding index info: %w", err)
		}

		if ii.DeviceID == device {
			out = append(out, ii)
		}

		return nil
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })

	return out, err
}

// Stats returns the statistics of a folder. A folder with no records has
// zero stats.
func (t *Tx) Stats(folder string) (models.FolderStats, error) {
	st, err := getJSON[models.FolderStats](t.tx.Bucket(statsBucket), []byte(folder))
	if err != nil || st == nil {
		return models.FolderStats{Folder: folder}, err
	}

	return *st, nil
}

// ApplyStatsDelta adds d to the stored statistics of d.Folder and returns
// the result.
func (t *Tx) ApplyStatsDelta(d models.StatsDelta) (models.FolderStats, error) {
	st, err := t.Stats(d.Folder)
	if err != nil {
		return st, err
	}

	st.Apply(d)

	if err := putJSON(t.tx.Bucket(statsBucket), []byte(d.Folder), st); err != nil {
		return st, fmt.Errorf("storing stats for %s: %w", d.Folder, err)
	}

	return st, nil
}
