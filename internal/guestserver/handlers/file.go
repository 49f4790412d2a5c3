package handlers

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supermanc88/virtio-serial-rpc/internal/guestserver/reqctx"
	"github.com/supermanc88/virtio-serial-rpc/internal/obslog"
	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

var fileLog = obslog.With("handlers.file")

const (
	defaultChunkSize = 2 * 1024 * 1024
	maxChunkSize     = 5 * 1024 * 1024
	sessionTTL       = 10 * time.Minute
	md5Cap           = 64 * 1024 * 1024

	// maxDownloadLength is MAX_CHUNK: the single-shot file/download route's
	// length parameter, when supplied, must fall in [1, maxDownloadLength].
	// This is a tighter, request-scoped cap than the chunked-download
	// route's server-side maxChunkSize clamp — download is a caller
	// contract to reject out-of-range values, not silently truncate them.
	maxDownloadLength = 1 * 1024 * 1024
)

type uploadSession struct {
	path         string
	tempFile     string
	totalSize    int64
	receivedSize int64
	mode         string
	created      time.Time
	chunksRecv   int
}

// FileHandler holds the path policy and the in-memory chunked-upload
// session table. No third-party session store is wired here since
// sessions are local to one guest process and never need to survive a
// restart; runSweep evicts sessions older than sessionTTL so an aborted
// upload's temp file and map entry cannot leak indefinitely, a gap the
// single-process reference implementation left unbounded.
type FileHandler struct {
	Policy *Policy

	mu       sync.Mutex
	sessions map[string]*uploadSession

	stopSweep chan struct{}
}

// NewFileHandler builds a FileHandler and starts its session-TTL sweep
// goroutine, which must be stopped with Close when the server shuts down.
func NewFileHandler(policy *Policy) *FileHandler {
	h := &FileHandler{
		Policy:    policy,
		sessions:  make(map[string]*uploadSession),
		stopSweep: make(chan struct{}),
	}
	go h.runSweep()
	return h
}

// Close stops the session sweep goroutine.
func (h *FileHandler) Close() {
	close(h.stopSweep)
}

func (h *FileHandler) runSweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopSweep:
			return
		case <-ticker.C:
			h.sweepExpired()
		}
	}
}

func (h *FileHandler) sweepExpired() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sess := range h.sessions {
		if time.Since(sess.created) > sessionTTL {
			fileLog.Warnf("evicting expired upload session %s", id)
			_ = os.Remove(sess.tempFile)
			delete(h.sessions, id)
		}
	}
}

type uploadParams struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Mode      string `json:"mode"`
	Owner     string `json:"owner"`
	Group     string `json:"group"`
	Overwrite *bool  `json:"overwrite"`
}

type uploadResult struct {
	Path string `json:"path"`
	Size int    `json:"size"`
	MD5  string `json:"md5"`
}

// Upload writes a base64-encoded single-shot file body to path. The
// destination's parent directory is never created automatically — a
// caller writing into a nonexistent directory gets FileNotFound rather
// than a surprise mkdir -p.
func (h *FileHandler) Upload(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p uploadParams
	if err := rc.BindParams(&p); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid params: %v", err)
	}
	if p.Path == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: path")
	}
	if p.Content == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: content")
	}

	normalized, rpcErr := h.Policy.CanonicalizePath(p.Path, true)
	if rpcErr != nil {
		return nil, rpcErr
	}

	overwrite := true
	if p.Overwrite != nil {
		overwrite = *p.Overwrite
	}
	if _, err := os.Stat(normalized); err == nil && !overwrite {
		return nil, protocol.Errorf(protocol.PermissionDenied, "file already exists: %s", p.Path)
	}

	content, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid base64 content: %v", err)
	}

	if _, err := os.Stat(filepath.Dir(normalized)); err != nil {
		return nil, protocol.Errorf(protocol.FileNotFound, "parent directory not found: %s", filepath.Dir(p.Path))
	}

	mode, err := parseOctalMode(p.Mode)
	if err != nil {
		mode = 0644
	}
	if err := os.WriteFile(normalized, content, mode); err != nil {
		return nil, protocol.Errorf(protocol.PermissionDenied, "failed to write file: %v", err)
	}
	_ = os.Chmod(normalized, mode)
	applyOwnership(normalized, p.Owner, p.Group)

	sum := md5.Sum(content)
	return uploadResult{Path: normalized, Size: len(content), MD5: hex.EncodeToString(sum[:])}, nil
}

type downloadParams struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type downloadResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int    `json:"size"`
	TotalSize int64  `json:"total_size"`
	Offset    int64  `json:"offset"`
	MD5       string `json:"md5"`
}

// Download reads a whole file (or a byte range of it) and returns it
// base64-encoded.
func (h *FileHandler) Download(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p downloadParams
	_ = rc.BindParams(&p)
	if p.Path == "" {
		if v, ok := rc.Query["path"]; ok && len(v) > 0 {
			p.Path = v[0]
		}
	}
	if p.Path == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: path")
	}

	normalized, rpcErr := h.Policy.CanonicalizePath(p.Path, false)
	if rpcErr != nil {
		return nil, rpcErr
	}

	info, err := os.Stat(normalized)
	if err != nil {
		return nil, protocol.Errorf(protocol.FileNotFound, "file not found: %s", p.Path)
	}
	if info.IsDir() {
		return nil, protocol.Errorf(protocol.InvalidParams, "not a file: %s", p.Path)
	}

	f, err := os.Open(normalized)
	if err != nil {
		return nil, protocol.Errorf(protocol.PermissionDenied, "failed to read file: %v", err)
	}
	defer f.Close()

	if p.Offset > 0 {
		if _, err := f.Seek(p.Offset, io.SeekStart); err != nil {
			return nil, protocol.Errorf(protocol.InvalidParams, "invalid offset: %d", p.Offset)
		}
	}

	if p.Length < 0 {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid length: %d", p.Length)
	}

	var content []byte
	if p.Length > 0 {
		if p.Length > maxDownloadLength {
			return nil, protocol.Errorf(protocol.InvalidParams, "length exceeds maximum of %d bytes", maxDownloadLength)
		}
		content = make([]byte, p.Length)
		n, _ := io.ReadFull(f, content)
		content = content[:n]
	} else {
		content, err = io.ReadAll(f)
		if err != nil {
			return nil, protocol.Errorf(protocol.PermissionDenied, "failed to read file: %v", err)
		}
	}

	sum := md5.Sum(content)
	return downloadResult{
		Path:      normalized,
		Content:   base64.StdEncoding.EncodeToString(content),
		Size:      len(content),
		TotalSize: info.Size(),
		Offset:    p.Offset,
		MD5:       hex.EncodeToString(sum[:]),
	}, nil
}

type fileInfoResult struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Type   string `json:"type,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Owner  string `json:"owner,omitempty"`
	Group  string `json:"group,omitempty"`
	MTime  int64  `json:"mtime,omitempty"`
	MD5    string `json:"md5,omitempty"`
}

// Info reports whether a path exists and, if so, its type, size, mode,
// ownership, and (for files no larger than md5Cap) its MD5 checksum. A policy
// rejection is reported as exists=false rather than propagated as an
// error, matching how a caller probing an out-of-bounds path should see
// "not there" rather than a permission leak about what else exists.
func (h *FileHandler) Info(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	path := rc.Query.Get("path")
	if path == "" {
		var p struct {
			Path string `json:"path"`
		}
		_ = rc.BindParams(&p)
		path = p.Path
	}
	if path == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: path")
	}

	normalized, rpcErr := h.Policy.CanonicalizePath(path, false)
	if rpcErr != nil {
		return fileInfoResult{Path: path, Exists: false}, nil
	}

	info, err := os.Stat(normalized)
	if err != nil {
		return fileInfoResult{Path: normalized, Exists: false}, nil
	}

	fileType := "other"
	switch {
	case info.Mode().IsRegular():
		fileType = "file"
	case info.IsDir():
		fileType = "directory"
	case info.Mode()&os.ModeSymlink != 0:
		fileType = "symlink"
	}

	result := fileInfoResult{
		Path:   normalized,
		Exists: true,
		Type:   fileType,
		Size:   info.Size(),
		Mode:   fmt.Sprintf("%04o", info.Mode().Perm()),
		Owner:  ownerName(normalized),
		Group:  groupName(normalized),
		MTime:  info.ModTime().Unix(),
	}

	if fileType == "file" && info.Size() <= md5Cap {
		if sum, err := md5File(normalized); err == nil {
			result.MD5 = sum
		}
	}

	return result, nil
}

type chunkedUploadInitParams struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Mode      string `json:"mode"`
	Overwrite *bool  `json:"overwrite"`
}

type chunkedUploadInitResult struct {
	SessionID string `json:"session_id"`
	ChunkSize int    `json:"chunk_size"`
	Path      string `json:"path"`
}

// ChunkedUploadInit opens a new chunked-upload session backed by a
// guest-local temp file, returning a session_id the caller threads
// through ChunkedUploadChunk and ChunkedUploadFinish.
func (h *FileHandler) ChunkedUploadInit(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p chunkedUploadInitParams
	if err := rc.BindParams(&p); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid params: %v", err)
	}
	if p.Path == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: path")
	}

	normalized, rpcErr := h.Policy.CanonicalizePath(p.Path, true)
	if rpcErr != nil {
		return nil, rpcErr
	}

	overwrite := true
	if p.Overwrite != nil {
		overwrite = *p.Overwrite
	}
	if _, err := os.Stat(normalized); err == nil && !overwrite {
		return nil, protocol.Errorf(protocol.PermissionDenied, "file already exists: %s", p.Path)
	}

	mode := p.Mode
	if mode == "" {
		mode = "0644"
	}

	sessionID := uuid.NewString()
	tempFile := filepath.Join(os.TempDir(), "virtio_upload_"+sessionID)
	f, err := os.Create(tempFile)
	if err != nil {
		return nil, protocol.Errorf(protocol.PermissionDenied, "failed to create temp file: %v", err)
	}
	_ = f.Close()

	h.mu.Lock()
	h.sessions[sessionID] = &uploadSession{
		path:      normalized,
		tempFile:  tempFile,
		totalSize: p.Size,
		mode:      mode,
		created:   time.Now(),
	}
	h.mu.Unlock()

	fileLog.Infof("chunked upload session created: %s -> %s", sessionID, normalized)

	return chunkedUploadInitResult{SessionID: sessionID, ChunkSize: defaultChunkSize, Path: normalized}, nil
}

type chunkedUploadChunkParams struct {
	SessionID  string `json:"session_id"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
}

type chunkedUploadChunkResult struct {
	SessionID     string  `json:"session_id"`
	ChunkIndex    int     `json:"chunk_index"`
	ReceivedSize  int64   `json:"received_size"`
	TotalSize     int64   `json:"total_size"`
	Progress      float64 `json:"progress"`
}

// ChunkedUploadChunk appends one chunk's decoded content to the
// session's temp file.
func (h *FileHandler) ChunkedUploadChunk(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p chunkedUploadChunkParams
	if err := rc.BindParams(&p); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid params: %v", err)
	}
	if p.SessionID == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: session_id")
	}
	if p.Content == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: content")
	}

	h.mu.Lock()
	sess, ok := h.sessions[p.SessionID]
	h.mu.Unlock()
	if !ok {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid session_id: %s", p.SessionID)
	}

	content, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid base64 content: %v", err)
	}

	f, err := os.OpenFile(sess.tempFile, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, protocol.Errorf(protocol.PermissionDenied, "failed to write chunk: %v", err)
	}
	_, werr := f.Write(content)
	_ = f.Close()
	if werr != nil {
		return nil, protocol.Errorf(protocol.PermissionDenied, "failed to write chunk: %v", werr)
	}

	h.mu.Lock()
	sess.receivedSize += int64(len(content))
	sess.chunksRecv++
	received := sess.receivedSize
	total := sess.totalSize
	h.mu.Unlock()

	progress := float64(100)
	if total > 0 {
		progress = float64(received) / float64(total) * 100
	}

	return chunkedUploadChunkResult{
		SessionID:    p.SessionID,
		ChunkIndex:   p.ChunkIndex,
		ReceivedSize: received,
		TotalSize:    total,
		Progress:     roundTo(progress),
	}, nil
}

type chunkedUploadFinishParams struct {
	SessionID string `json:"session_id"`
	MD5       string `json:"md5"`
}

type chunkedUploadFinishResult struct {
	Path           string `json:"path"`
	Size           int64  `json:"size"`
	MD5            string `json:"md5"`
	ChunksReceived int    `json:"chunks_received"`
}

// ChunkedUploadFinish moves the session's temp file to its destination,
// optionally verifying an expected MD5, and discards the session.
func (h *FileHandler) ChunkedUploadFinish(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p chunkedUploadFinishParams
	if err := rc.BindParams(&p); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid params: %v", err)
	}
	if p.SessionID == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: session_id")
	}

	h.mu.Lock()
	sess, ok := h.sessions[p.SessionID]
	if ok {
		delete(h.sessions, p.SessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid session_id: %s", p.SessionID)
	}
	defer os.Remove(sess.tempFile)

	actualMD5, err := md5File(sess.tempFile)
	if err != nil {
		return nil, protocol.Errorf(protocol.InternalError, "failed to checksum upload: %v", err)
	}
	if p.MD5 != "" && actualMD5 != p.MD5 {
		return nil, protocol.Errorf(protocol.InvalidParams, "md5 mismatch: expected %s, got %s", p.MD5, actualMD5)
	}

	if _, err := os.Stat(filepath.Dir(sess.path)); err != nil {
		return nil, protocol.Errorf(protocol.FileNotFound, "parent directory not found: %s", filepath.Dir(sess.path))
	}

	if err := os.Rename(sess.tempFile, sess.path); err != nil {
		return nil, protocol.Errorf(protocol.PermissionDenied, "failed to finalize upload: %v", err)
	}
	mode, err := parseOctalMode(sess.mode)
	if err == nil {
		_ = os.Chmod(sess.path, mode)
	}

	info, err := os.Stat(sess.path)
	var size int64
	if err == nil {
		size = info.Size()
	}

	fileLog.Infof("chunked upload completed: %s (%d bytes)", sess.path, size)

	return chunkedUploadFinishResult{Path: sess.path, Size: size, MD5: actualMD5, ChunksReceived: sess.chunksRecv}, nil
}

type chunkedUploadAbortParams struct {
	SessionID string `json:"session_id"`
}

// ChunkedUploadAbort discards a chunked-upload session and its temp
// file. Aborting an unknown (already-finished, already-aborted, or
// swept-expired) session id is not an error.
func (h *FileHandler) ChunkedUploadAbort(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p chunkedUploadAbortParams
	if err := rc.BindParams(&p); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid params: %v", err)
	}
	if p.SessionID == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: session_id")
	}

	h.mu.Lock()
	sess, ok := h.sessions[p.SessionID]
	if ok {
		delete(h.sessions, p.SessionID)
	}
	h.mu.Unlock()

	if !ok {
		return map[string]string{"message": "session not found or already cleaned up"}, nil
	}
	_ = os.Remove(sess.tempFile)

	return map[string]string{"message": "upload session aborted", "session_id": p.SessionID}, nil
}

type chunkedDownloadParams struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

type chunkedDownloadResult struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Offset     int64  `json:"offset"`
	Size       int    `json:"size"`
	TotalSize  int64  `json:"total_size"`
	ChunkMD5   string `json:"chunk_md5"`
	HasMore    bool   `json:"has_more"`
	NextOffset int64  `json:"next_offset,omitempty"`
}

// ChunkedDownload reads one bounded-size slice of a file, capped at
// maxChunkSize regardless of what the caller asked for, and reports
// whether more data follows.
func (h *FileHandler) ChunkedDownload(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p chunkedDownloadParams
	_ = rc.BindParams(&p)
	if p.Path == "" {
		p.Path = rc.Query.Get("path")
	}
	if p.Size == 0 {
		if v := rc.Query.Get("size"); v != "" {
			p.Size, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if p.Offset == 0 {
		if v := rc.Query.Get("offset"); v != "" {
			p.Offset, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if p.Size <= 0 {
		p.Size = defaultChunkSize
	}
	if p.Path == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: path")
	}

	normalized, rpcErr := h.Policy.CanonicalizePath(p.Path, false)
	if rpcErr != nil {
		return nil, rpcErr
	}

	info, err := os.Stat(normalized)
	if err != nil {
		return nil, protocol.Errorf(protocol.FileNotFound, "file not found: %s", p.Path)
	}
	if info.IsDir() {
		return nil, protocol.Errorf(protocol.InvalidParams, "not a file: %s", p.Path)
	}
	totalSize := info.Size()

	if p.Offset < 0 || p.Offset > totalSize {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid offset: %d", p.Offset)
	}

	size := p.Size
	if size > maxChunkSize {
		size = maxChunkSize
	}
	if remaining := totalSize - p.Offset; size > remaining {
		size = remaining
	}

	f, err := os.Open(normalized)
	if err != nil {
		return nil, protocol.Errorf(protocol.PermissionDenied, "failed to read file: %v", err)
	}
	defer f.Close()

	if _, err := f.Seek(p.Offset, io.SeekStart); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid offset: %d", p.Offset)
	}
	content := make([]byte, size)
	n, _ := io.ReadFull(f, content)
	content = content[:n]

	sum := md5.Sum(content)
	hasMore := p.Offset+int64(len(content)) < totalSize

	result := chunkedDownloadResult{
		Path:      normalized,
		Content:   base64.StdEncoding.EncodeToString(content),
		Offset:    p.Offset,
		Size:      len(content),
		TotalSize: totalSize,
		ChunkMD5:  hex.EncodeToString(sum[:]),
		HasMore:   hasMore,
	}
	if hasMore {
		result.NextOffset = p.Offset + int64(len(content))
	}
	return result, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func applyOwnership(path, owner, group string) {
	if owner == "" && group == "" {
		return
	}
	uid, gid := -1, -1
	if owner != "" {
		if u, err := user.Lookup(owner); err == nil {
			uid, _ = strconv.Atoi(u.Uid)
		} else {
			fileLog.Warnf("user not found: %s", owner)
		}
	}
	if group != "" {
		if g, err := user.LookupGroup(group); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		} else {
			fileLog.Warnf("group not found: %s", group)
		}
	}
	if uid != -1 || gid != -1 {
		if err := os.Chown(path, uid, gid); err != nil {
			fileLog.Warnf("failed to set file ownership: %v", err)
		}
	}
}

func ownerName(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	uid := fileOwnerUID(info)
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		return u.Username
	}
	return strconv.Itoa(uid)
}

func groupName(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	gid := fileOwnerGID(info)
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		return g.Name
	}
	return strconv.Itoa(gid)
}
