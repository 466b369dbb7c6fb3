package protocol

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/errors"
)

// MessageType identifies the body of a post-authentication frame.
type MessageType int32

const (
	MessageTypeClusterConfig    MessageType = 0
	MessageTypeIndex            MessageType = 1
	MessageTypeIndexUpdate      MessageType = 2
	MessageTypeRequest          MessageType = 3
	MessageTypeResponse         MessageType = 4
	MessageTypeDownloadProgress MessageType = 5
	MessageTypePing             MessageType = 6
	MessageTypeClose            MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeClusterConfig:
		return "ClusterConfig"
	case MessageTypeIndex:
		return "Index"
	case MessageTypeIndexUpdate:
		return "IndexUpdate"
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeDownloadProgress:
		return "DownloadProgress"
	case MessageTypePing:
		return "Ping"
	case MessageTypeClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// MessageCompression is the body encoding declared in a frame header.
type MessageCompression int32

const (
	MessageCompressionNone MessageCompression = 0
	MessageCompressionLZ4  MessageCompression = 1
)

// Compression is a device's compression preference in a cluster config.
type Compression int32

const (
	CompressionMetadata Compression = 0
	CompressionNever    Compression = 1
	CompressionAlways   Compression = 2
)

// ErrorCode is the status of a block response.
type ErrorCode int32

const (
	ErrorCodeNoError     ErrorCode = 0
	ErrorCodeGeneric     ErrorCode = 1
	ErrorCodeNoSuchFile  ErrorCode = 2
	ErrorCodeInvalidFile ErrorCode = 3
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNoError:
		return "no error"
	case ErrorCodeGeneric:
		return "generic error"
	case ErrorCodeNoSuchFile:
		return "no such file"
	case ErrorCodeInvalidFile:
		return "invalid file"
	default:
		return fmt.Sprintf("error code %d", int32(c))
	}
}

// FileInfoType is the kind of entry a FileInfo describes.
type FileInfoType int32

const (
	FileInfoTypeFile             FileInfoType = 0
	FileInfoTypeDirectory        FileInfoType = 1
	FileInfoTypeSymlinkFile      FileInfoType = 2
	FileInfoTypeSymlinkDirectory FileInfoType = 3
	FileInfoTypeSymlink          FileInfoType = 4
)

// Message is a post-authentication BEP message.
type Message interface {
	Type() MessageType
	Marshal() []byte
	Unmarshal([]byte) error
}

// newMessage returns an empty message for the given type.
func newMessage(t MessageType) (Message, error) {
	switch t {
	case MessageTypeClusterConfig:
		return &ClusterConfig{}, nil
	case MessageTypeIndex:
		return &Index{}, nil
	case MessageTypeIndexUpdate:
		return &IndexUpdate{}, nil
	case MessageTypeRequest:
		return &Request{}, nil
	case MessageTypeResponse:
		return &Response{}, nil
	case MessageTypeDownloadProgress:
		return &DownloadProgress{}, nil
	case MessageTypePing:
		return &Ping{}, nil
	case MessageTypeClose:
		return &Close{}, nil
	default:
		return nil, errors.Protocolf("unknown message type %d", t)
	}
}

// Hello is exchanged in plain form right after the TLS handshake.
type Hello struct {
	DeviceName    string
	ClientName    string
	ClientVersion string
}

func (m *Hello) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.DeviceName)
	b = appendString(b, 2, m.ClientName)
	b = appendString(b, 3, m.ClientVersion)

	return b
}

func (m *Hello) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.DeviceName = d.string()
		case 2:
			m.ClientName = d.string()
		case 3:
			m.ClientVersion = d.string()
		default:
			d.skip()
		}
	}

	return d.err
}

// Header precedes every post-authentication message body.
type Header struct {
	Type        MessageType
	Compression MessageCompression
}

// Marshal always emits the type field, so an encoded header is never empty
// and cannot be mistaken for keepalive filler.
func (m *Header) Marshal() []byte {
	var b []byte
	b = appendVarintAlways(b, 1, uint64(int64(m.Type)))
	b = appendInt32(b, 2, int32(m.Compression))

	return b
}

func (m *Header) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.Type = MessageType(d.int32())
		case 2:
			m.Compression = MessageCompression(d.int32())
		default:
			d.skip()
		}
	}

	return d.err
}

// ClusterConfig announces the folders shared with a peer and, per folder,
// the devices sharing it.
type ClusterConfig struct {
	Folders []Folder
}

func (*ClusterConfig) Type() MessageType { return MessageTypeClusterConfig }

func (m *ClusterConfig) Marshal() []byte {
	var b []byte
	for i := range m.Folders {
		b = appendEmbedded(b, 1, m.Folders[i].Marshal())
	}

	return b
}

func (m *ClusterConfig) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			var f Folder
			d.embedded(&f)
			m.Folders = append(m.Folders, f)
		default:
			d.skip()
		}
	}

	return d.err
}

// Folder is one entry of a cluster config.
type Folder struct {
	ID                 string
	Label              string
	ReadOnly           bool
	IgnorePermissions  bool
	IgnoreDelete       bool
	DisableTempIndexes bool
	Paused             bool
	Devices            []Device
}

func (m *Folder) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.Label)
	b = appendBool(b, 3, m.ReadOnly)
	b = appendBool(b, 4, m.IgnorePermissions)
	b = appendBool(b, 5, m.IgnoreDelete)
	b = appendBool(b, 6, m.DisableTempIndexes)
	b = appendBool(b, 7, m.Paused)

	for i := range m.Devices {
		b = appendEmbedded(b, 16, m.Devices[i].Marshal())
	}

	return b
}

func (m *Folder) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.ID = d.string()
		case 2:
			m.Label = d.string()
		case 3:
			m.ReadOnly = d.bool()
		case 4:
			m.IgnorePermissions = d.bool()
		case 5:
			m.IgnoreDelete = d.bool()
		case 6:
			m.DisableTempIndexes = d.bool()
		case 7:
			m.Paused = d.bool()
		case 16:
			var dev Device
			d.embedded(&dev)
			m.Devices = append(m.Devices, dev)
		default:
			d.skip()
		}
	}

	return d.err
}

// Device returns the entry for id, if the folder lists it.
func (m *Folder) Device(id DeviceID) (Device, bool) {
	for _, dev := range m.Devices {
		if dev.ID == id {
			return dev, true
		}
	}

	return Device{}, false
}

// Device describes one device sharing a folder.
type Device struct {
	ID                       DeviceID
	Name                     string
	Addresses                []string
	Compression              Compression
	CertName                 string
	MaxSequence              int64
	Introducer               bool
	IndexID                  uint64
	SkipIntroductionRemovals bool
}

func (m *Device) Marshal() []byte {
	var b []byte
	if !m.ID.IsZero() {
		b = appendBytes(b, 1, m.ID[:])
	}

	b = appendString(b, 2, m.Name)
	for _, addr := range m.Addresses {
		b = appendString(b, 3, addr)
	}

	b = appendInt32(b, 4, int32(m.Compression))
	b = appendString(b, 5, m.CertName)
	b = appendInt64(b, 6, m.MaxSequence)
	b = appendBool(b, 7, m.Introducer)
	b = appendVarint(b, 8, m.IndexID)
	b = appendBool(b, 9, m.SkipIntroductionRemovals)

	return b
}

func (m *Device) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			raw := d.bytes()
			if d.err == nil {
				id, err := DeviceIDFromBytes(raw)
				if err != nil {
					return err
				}

				m.ID = id
			}
		case 2:
			m.Name = d.string()
		case 3:
			m.Addresses = append(m.Addresses, d.string())
		case 4:
			m.Compression = Compression(d.int32())
		case 5:
			m.CertName = d.string()
		case 6:
			m.MaxSequence = d.int64()
		case 7:
			m.Introducer = d.bool()
		case 8:
			m.IndexID = d.varint()
		case 9:
			m.SkipIntroductionRemovals = d.bool()
		default:
			d.skip()
		}
	}

	return d.err
}

// Index carries the full index of a folder. IndexUpdate carries a delta;
// both share the same layout.
type Index struct {
	Folder string
	Files  []FileInfo
}

func (*Index) Type() MessageType { return MessageTypeIndex }

func (m *Index) Marshal() []byte { return marshalFileList(m.Folder, m.Files) }

func (m *Index) Unmarshal(b []byte) error {
	var err error
	m.Folder, m.Files, err = unmarshalFileList(b)

	return err
}

type IndexUpdate struct {
	Folder string
	Files  []FileInfo
}

func (*IndexUpdate) Type() MessageType { return MessageTypeIndexUpdate }

func (m *IndexUpdate) Marshal() []byte { return marshalFileList(m.Folder, m.Files) }

func (m *IndexUpdate) Unmarshal(b []byte) error {
	var err error
	m.Folder, m.Files, err = unmarshalFileList(b)

	return err
}

func marshalFileList(folder string, files []FileInfo) []byte {
	var b []byte
	b = appendString(b, 1, folder)

	for i := range files {
		b = appendEmbedded(b, 2, files[i].Marshal())
	}

	return b
}

func unmarshalFileList(b []byte) (string, []FileInfo, error) {
	var (
		folder string
		files  []FileInfo
	)

	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			folder = d.string()
		case 2:
			var f FileInfo
			d.embedded(&f)
			files = append(files, f)
		default:
			d.skip()
		}
	}

	return folder, files, d.err
}

// FileInfo is the metadata of one index entry.
type FileInfo struct {
	Name          string
	Type          FileInfoType
	Size          int64
	Permissions   uint32
	ModifiedS     int64
	ModifiedNs    int32
	ModifiedBy    uint64
	Deleted       bool
	Invalid       bool
	NoPermissions bool
	Version       Vector
	Sequence      int64
	BlockSize     int32
	Blocks        []BlockInfo
	SymlinkTarget string
	BlocksHash    []byte
}

func (m *FileInfo) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Name)
	b = appendInt32(b, 2, int32(m.Type))
	b = appendInt64(b, 3, m.Size)
	b = appendVarint(b, 4, uint64(m.Permissions))
	b = appendInt64(b, 5, m.ModifiedS)
	b = appendBool(b, 6, m.Deleted)
	b = appendBool(b, 7, m.Invalid)
	b = appendBool(b, 8, m.NoPermissions)
	b = appendEmbedded(b, 9, m.Version.Marshal())
	b = appendInt64(b, 10, m.Sequence)
	b = appendInt32(b, 11, m.ModifiedNs)
	b = appendVarint(b, 12, m.ModifiedBy)
	b = appendInt32(b, 13, m.BlockSize)

	for i := range m.Blocks {
		b = appendEmbedded(b, 16, m.Blocks[i].Marshal())
	}

	b = appendString(b, 17, m.SymlinkTarget)
	b = appendBytes(b, 18, m.BlocksHash)

	return b
}

func (m *FileInfo) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.Name = d.string()
		case 2:
			m.Type = FileInfoType(d.int32())
		case 3:
			m.Size = d.int64()
		case 4:
			m.Permissions = uint32(d.varint())
		case 5:
			m.ModifiedS = d.int64()
		case 6:
			m.Deleted = d.bool()
		case 7:
			m.Invalid = d.bool()
		case 8:
			m.NoPermissions = d.bool()
		case 9:
			d.embedded(&m.Version)
		case 10:
			m.Sequence = d.int64()
		case 11:
			m.ModifiedNs = d.int32()
		case 12:
			m.ModifiedBy = d.varint()
		case 13:
			m.BlockSize = d.int32()
		case 16:
			var blk BlockInfo
			d.embedded(&blk)
			m.Blocks = append(m.Blocks, blk)
		case 17:
			m.SymlinkTarget = d.string()
		case 18:
			m.BlocksHash = d.bytes()
		default:
			d.skip()
		}
	}

	return d.err
}

// ModTime returns the modification time carried by the record.
func (m *FileInfo) ModTime() time.Time {
	return time.Unix(m.ModifiedS, int64(m.ModifiedNs))
}

func (m *FileInfo) IsDirectory() bool {
	return m.Type == FileInfoTypeDirectory || m.Type == FileInfoTypeSymlinkDirectory
}

func (m *FileInfo) IsSymlink() bool {
	switch m.Type {
	case FileInfoTypeSymlink, FileInfoTypeSymlinkFile, FileInfoTypeSymlinkDirectory:
		return true
	default:
		return false
	}
}

// Vector is a per-device version vector.
type Vector struct {
	Counters []Counter
}

func (m *Vector) Marshal() []byte {
	var b []byte
	for i := range m.Counters {
		b = appendEmbedded(b, 1, m.Counters[i].Marshal())
	}

	return b
}

func (m *Vector) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			var c Counter
			d.embedded(&c)
			m.Counters = append(m.Counters, c)
		default:
			d.skip()
		}
	}

	return d.err
}

// Counter returns the value recorded for device id, or zero.
func (m Vector) Counter(id uint64) uint64 {
	for _, c := range m.Counters {
		if c.ID == id {
			return c.Value
		}
	}

	return 0
}

// Update returns a copy of the vector with the counter for id incremented.
// Counters stay sorted by id.
func (m Vector) Update(id uint64) Vector {
	out := Vector{Counters: slices.Clone(m.Counters)}

	for i := range out.Counters {
		if out.Counters[i].ID == id {
			out.Counters[i].Value++
			return out
		}
	}

	out.Counters = append(out.Counters, Counter{ID: id, Value: 1})
	slices.SortFunc(out.Counters, func(a, b Counter) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	return out
}

type Counter struct {
	ID    uint64
	Value uint64
}

func (m *Counter) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.ID)
	b = appendVarint(b, 2, m.Value)

	return b
}

func (m *Counter) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.ID = d.varint()
		case 2:
			m.Value = d.varint()
		default:
			d.skip()
		}
	}

	return d.err
}

// BlockInfo describes one fixed-size block of a file.
type BlockInfo struct {
	Offset   int64
	Size     int32
	Hash     []byte
	WeakHash uint32
}

func (m *BlockInfo) Marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.Offset)
	b = appendInt32(b, 2, m.Size)
	b = appendBytes(b, 3, m.Hash)
	b = appendVarint(b, 4, uint64(m.WeakHash))

	return b
}

func (m *BlockInfo) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.Offset = d.int64()
		case 2:
			m.Size = d.int32()
		case 3:
			m.Hash = d.bytes()
		case 4:
			m.WeakHash = uint32(d.varint())
		default:
			d.skip()
		}
	}

	return d.err
}

// HashBlocks computes the whole-file content hash from the ordered list of
// block hashes.
func HashBlocks(blocks []BlockInfo) []byte {
	h := sha256.New()
	for _, b := range blocks {
		h.Write(b.Hash)
	}

	return h.Sum(nil)
}

// Request asks a peer for a byte range of a file.
type Request struct {
	ID            int32
	Folder        string
	Name          string
	Offset        int64
	Size          int32
	Hash          []byte
	FromTemporary bool
	WeakHash      uint32
}

func (*Request) Type() MessageType { return MessageTypeRequest }

func (m *Request) Marshal() []byte {
	var b []byte
	b = appendInt32(b, 1, m.ID)
	b = appendString(b, 2, m.Folder)
	b = appendString(b, 3, m.Name)
	b = appendInt64(b, 4, m.Offset)
	b = appendInt32(b, 5, m.Size)
	b = appendBytes(b, 6, m.Hash)
	b = appendBool(b, 7, m.FromTemporary)
	b = appendVarint(b, 8, uint64(m.WeakHash))

	return b
}

func (m *Request) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.ID = d.int32()
		case 2:
			m.Folder = d.string()
		case 3:
			m.Name = d.string()
		case 4:
			m.Offset = d.int64()
		case 5:
			m.Size = d.int32()
		case 6:
			m.Hash = d.bytes()
		case 7:
			m.FromTemporary = d.bool()
		case 8:
			m.WeakHash = uint32(d.varint())
		default:
			d.skip()
		}
	}

	return d.err
}

// Response answers a Request with the same id.
type Response struct {
	ID   int32
	Data []byte
	Code ErrorCode
}

func (*Response) Type() MessageType { return MessageTypeResponse }

func (m *Response) Marshal() []byte {
	var b []byte
	b = appendInt32(b, 1, m.ID)
	b = appendBytes(b, 2, m.Data)
	b = appendInt32(b, 3, int32(m.Code))

	return b
}

func (m *Response) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.ID = d.int32()
		case 2:
			m.Data = d.bytes()
		case 3:
			m.Code = ErrorCode(d.int32())
		default:
			d.skip()
		}
	}

	return d.err
}

// DownloadProgress reports partially downloaded files. It is accepted and
// ignored by the session.
type DownloadProgress struct {
	Folder  string
	Updates []FileDownloadProgressUpdate
}

func (*DownloadProgress) Type() MessageType { return MessageTypeDownloadProgress }

func (m *DownloadProgress) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Folder)

	for i := range m.Updates {
		b = appendEmbedded(b, 2, m.Updates[i].Marshal())
	}

	return b
}

func (m *DownloadProgress) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.Folder = d.string()
		case 2:
			var u FileDownloadProgressUpdate
			d.embedded(&u)
			m.Updates = append(m.Updates, u)
		default:
			d.skip()
		}
	}

	return d.err
}

type FileDownloadProgressUpdate struct {
	UpdateType   int32
	Name         string
	Version      Vector
	BlockIndexes []int32
	BlockSize    int32
}

func (m *FileDownloadProgressUpdate) Marshal() []byte {
	var b []byte
	b = appendInt32(b, 1, m.UpdateType)
	b = appendString(b, 2, m.Name)
	b = appendEmbedded(b, 3, m.Version.Marshal())
	b = appendPackedInt32s(b, 4, m.BlockIndexes)
	b = appendInt32(b, 5, m.BlockSize)

	return b
}

func (m *FileDownloadProgressUpdate) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.UpdateType = d.int32()
		case 2:
			m.Name = d.string()
		case 3:
			d.embedded(&m.Version)
		case 4:
			m.BlockIndexes = d.int32s(m.BlockIndexes)
		case 5:
			m.BlockSize = d.int32()
		default:
			d.skip()
		}
	}

	return d.err
}

// Ping keeps an idle connection alive. It has no fields.
type Ping struct{}

func (*Ping) Type() MessageType { return MessageTypePing }
func (*Ping) Marshal() []byte   { return nil }

func (*Ping) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		d.skip()
	}

	return d.err
}

// Close announces an orderly shutdown with a reason.
type Close struct {
	Reason string
}

func (*Close) Type() MessageType { return MessageTypeClose }

func (m *Close) Marshal() []byte {
	return appendString(nil, 1, m.Reason)
}

func (m *Close) Unmarshal(b []byte) error {
	d := newFieldDecoder(b)
	for d.next() {
		switch d.num {
		case 1:
			m.Reason = d.string()
		default:
			d.skip()
		}
	}

	return d.err
}
