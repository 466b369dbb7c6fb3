// Package mcpserver registers MCP tools that expose the sync engine:
// connection status, folders, statistics, file listings and transfers.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultPushTimeout = 60 * time.Second
	maxPushTimeout     = 10 * time.Minute

	// maxPullBytes bounds file_pull responses.
	maxPullBytes = 8 << 20
)

// Engine is the part of *engine.Engine the tools use.
type Engine interface {
	DeviceID() protocol.DeviceID
	Statuses() []bep.Status
	Folders() ([]models.FolderInfo, error)
	FolderStats(folder string) (models.FolderStats, error)
	Files(folder string) ([]models.FileRecord, error)
	File(folder, path string) (*models.FileRecord, error)
	Pull(ctx context.Context, want models.FileRecord, progress blocks.ProgressFunc) (io.ReadCloser, error)
	Push(ctx context.Context, device protocol.DeviceID, folder, path string, r io.Reader) (*blocks.Upload, error)
}

// RegisterTools adds all engine tools to the given MCP server.
func RegisterTools(server *mcp.Server, e Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "device_status",
		Description: "Show this device's id and the connection state of every configured peer (connected, connecting, disconnected) with the address in use.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "folders_list",
		Description: "List shared folders with the devices sync is enabled for and devices that announced the folder without being enabled.",
	}, foldersHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "folder_stats",
		Description: "Show file count, directory count, total size and last update time of a folder.",
	}, statsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "files_list",
		Description: "List the index records of a folder, optionally filtered by path prefix. Deleted records are hidden unless include_deleted is set.",
	}, filesHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "file_pull",
		Description: "Download the current content of a file from connected peers. Text is returned as is, binary content as base64.",
	}, pullHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "file_push",
		Description: "Offer new content for a file to one peer and wait until the peer's index lists it, or until the timeout.",
	}, pushHandler(e))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// FoldersInput has no parameters.
type FoldersInput struct{}

// StatsInput holds parameters for folder_stats.
type StatsInput struct {
	Folder string `json:"folder" jsonschema:"required,folder id"`
}

// FilesInput holds parameters for files_list.
type FilesInput struct {
	Folder         string `json:"folder" jsonschema:"required,folder id"`
	Prefix         string `json:"prefix,omitempty" jsonschema:"only list paths starting with this prefix"`
	IncludeDeleted bool   `json:"include_deleted,omitempty" jsonschema:"include deleted records"`
}

// PullInput holds parameters for file_pull.
type PullInput struct {
	Folder string `json:"folder" jsonschema:"required,folder id"`
	Path   string `json:"path" jsonschema:"required,file path relative to the folder root"`
}

// PushInput holds parameters for file_push.
type PushInput struct {
	Device         string `json:"device" jsonschema:"required,device id of the receiving peer"`
	Folder         string `json:"folder" jsonschema:"required,folder id"`
	Path           string `json:"path" jsonschema:"required,file path relative to the folder root"`
	Content        string `json:"content" jsonschema:"required,full file content"`
	Base64         bool   `json:"base64,omitempty" jsonschema:"content is base64 encoded"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"how long to wait for the peer, defaults to 60"`
}

// --- Output types ---

// PeerStatus is one peer in device_status.
type PeerStatus struct {
	Device  string    `json:"device"`
	State   string    `json:"state"`
	Address string    `json:"address,omitempty"`
	Since   time.Time `json:"since"`
	Error   string    `json:"error,omitempty"`
}

// StatusResult is the output of device_status.
type StatusResult struct {
	DeviceID string       `json:"device_id"`
	Peers    []PeerStatus `json:"peers"`
}

// FolderEntry is one folder in folders_list.
type FolderEntry struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Devices []string `json:"devices"`
	Pending []string `json:"pending,omitempty"`
}

// FoldersResult is the output of folders_list.
type FoldersResult struct {
	Folders []FolderEntry `json:"folders"`
}

// FileEntry is one record in files_list.
type FileEntry struct {
	Path     string    `json:"path"`
	Type     string    `json:"type"`
	Size     int64     `json:"size"`
	Deleted  bool      `json:"deleted,omitempty"`
	Modified time.Time `json:"modified"`
	Sequence int64     `json:"sequence"`
}

// FilesResult is the output of files_list.
type FilesResult struct {
	Folder string      `json:"folder"`
	Files  []FileEntry `json:"files"`
	Total  int         `json:"total"`
}

// PullResult is the output of file_pull.
type PullResult struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// PushResult is the output of file_push.
type PushResult struct {
	Path      string  `json:"path"`
	Size      int64   `json:"size"`
	Hash      string  `json:"hash"`
	Sequence  int64   `json:"sequence"`
	Completed bool    `json:"completed"`
	Progress  float64 `json:"progress"`
}

// --- Handlers ---

func statusHandler(e Engine) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{DeviceID: e.DeviceID().String(), Peers: []PeerStatus{}}

		for _, s := range e.Statuses() {
			peer := PeerStatus{
				Device:  s.Device.String(),
				State:   s.State.String(),
				Address: s.Address,
				Since:   s.Since,
			}
			if s.Err != nil {
				peer.Error = s.Err.Error()
			}

			result.Peers = append(result.Peers, peer)
		}

		return textResult(result), result, nil
	}
}

func foldersHandler(e Engine) mcp.ToolHandlerFor[FoldersInput, *FoldersResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ FoldersInput) (*mcp.CallToolResult, *FoldersResult, error) {
		folders, err := e.Folders()
		if err != nil {
			return nil, nil, err
		}

		result := &FoldersResult{Folders: []FolderEntry{}}

		for _, f := range folders {
			entry := FolderEntry{ID: f.ID, Label: f.Label, Devices: []string{}}
			for _, d := range f.Whitelist {
				entry.Devices = append(entry.Devices, d.String())
			}

			for _, d := range f.Blacklist {
				entry.Pending = append(entry.Pending, d.String())
			}

			result.Folders = append(result.Folders, entry)
		}

		return textResult(result), result, nil
	}
}

func statsHandler(e Engine) mcp.ToolHandlerFor[StatsInput, *models.FolderStats] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input StatsInput) (*mcp.CallToolResult, *models.FolderStats, error) {
		if err := knownFolder(e, input.Folder); err != nil {
			return nil, nil, err
		}

		stats, err := e.FolderStats(input.Folder)
		if err != nil {
			return nil, nil, err
		}

		stats.Folder = input.Folder

		return textResult(stats), &stats, nil
	}
}

func filesHandler(e Engine) mcp.ToolHandlerFor[FilesInput, *FilesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input FilesInput) (*mcp.CallToolResult, *FilesResult, error) {
		if err := knownFolder(e, input.Folder); err != nil {
			return nil, nil, err
		}

		records, err := e.Files(input.Folder)
		if err != nil {
			return nil, nil, err
		}

		result := &FilesResult{Folder: input.Folder, Files: []FileEntry{}}

		for _, r := range records {
			if r.Deleted && !input.IncludeDeleted {
				continue
			}

			if !strings.HasPrefix(r.Path, input.Prefix) {
				continue
			}

			result.Files = append(result.Files, FileEntry{
				Path:     r.Path,
				Type:     r.Type.String(),
				Size:     r.Size,
				Deleted:  r.Deleted,
				Modified: r.ModTime().UTC(),
				Sequence: r.Sequence,
			})
		}

		sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Path < result.Files[j].Path })
		result.Total = len(result.Files)

		return textResult(result), result, nil
	}
}

func pullHandler(e Engine) mcp.ToolHandlerFor[PullInput, *PullResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PullInput) (*mcp.CallToolResult, *PullResult, error) {
		rec, err := e.File(input.Folder, input.Path)
		if err != nil {
			return nil, nil, err
		}

		if rec == nil || rec.Deleted {
			return nil, nil, fmt.Errorf("%s/%s: %w", input.Folder, input.Path, errors.ErrNotFound)
		}

		if rec.Type != models.FileTypeFile {
			return nil, nil, fmt.Errorf("%s/%s is a %s, not a file", input.Folder, input.Path, rec.Type)
		}

		if rec.Size > maxPullBytes {
			return nil, nil, fmt.Errorf("%s/%s is %d bytes, larger than the %d byte limit", input.Folder, input.Path, rec.Size, maxPullBytes)
		}

		rc, err := e.Pull(ctx, *rec, nil)
		if err != nil {
			return nil, nil, err
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, nil, fmt.Errorf("reading pulled content: %w", err)
		}

		result := &PullResult{
			Path:     rec.Path,
			Size:     int64(len(data)),
			Hash:     fmt.Sprintf("%x", rec.Hash),
			Encoding: "text",
			Content:  string(data),
		}

		if !utf8.Valid(data) {
			result.Encoding = "base64"
			result.Content = base64.StdEncoding.EncodeToString(data)
		}

		return textResult(result), result, nil
	}
}

func pushHandler(e Engine) mcp.ToolHandlerFor[PushInput, *PushResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PushInput) (*mcp.CallToolResult, *PushResult, error) {
		device, err := protocol.ParseDeviceID(input.Device)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid device id: %w", err)
		}

		data := []byte(input.Content)
		if input.Base64 {
			data, err = base64.StdEncoding.DecodeString(input.Content)
			if err != nil {
				return nil, nil, fmt.Errorf("decoding base64 content: %w", err)
			}
		}

		timeout := defaultPushTimeout
		if input.TimeoutSeconds > 0 {
			timeout = min(time.Duration(input.TimeoutSeconds)*time.Second, maxPushTimeout)
		}

		up, err := e.Push(ctx, device, input.Folder, input.Path, bytes.NewReader(data))
		if err != nil {
			return nil, nil, err
		}
		defer up.Close()

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err = up.Wait(waitCtx)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}

		rec := up.Record()
		result := &PushResult{
			Path:      rec.Path,
			Size:      rec.Size,
			Hash:      fmt.Sprintf("%x", rec.Hash),
			Sequence:  rec.Sequence,
			Completed: err == nil,
			Progress:  up.Progress().Percent(),
		}

		return textResult(result), result, nil
	}
}

func knownFolder(e Engine, id string) error {
	folders, err := e.Folders()
	if err != nil {
		return err
	}

	for _, f := range folders {
		if f.ID == id {
			return nil
		}
	}

	return fmt.Errorf("folder %q: %w", id, errors.ErrNotFound)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
