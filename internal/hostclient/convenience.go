package hostclient

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/url"
	"os"

	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

// defaultChunkSize is the local threshold that decides single-shot vs
// chunked upload/download; it matches the guest's own default chunk size.
// A file of exactly this size still goes single-shot.
const defaultChunkSize = 2 * 1024 * 1024

// PingResult is the decoded data payload of GET /api/v1/ping.
type PingResult struct {
	Timestamp int64 `json:"timestamp"`
	UptimeSec int64 `json:"uptime"`
}

// Ping issues a liveness probe.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var out PingResult
	if err := c.call(ctx, "GET", "/api/v1/ping", nil, 0, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SystemInfo is the decoded data payload of GET /api/v1/system/info.
type SystemInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Kernel          string `json:"kernel"`
	Arch            string `json:"arch"`
	CPUCount        int    `json:"cpu_count"`
	MemoryTotal     uint64 `json:"memory_total"`
	MemoryAvailable uint64 `json:"memory_available"`
}

// GetSystemInfo fetches static host facts.
func (c *Client) GetSystemInfo(ctx context.Context) (*SystemInfo, error) {
	var out SystemInfo
	if err := c.call(ctx, "GET", "/api/v1/system/info", nil, 0, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SystemStatus is the decoded data payload of GET /api/v1/system/status.
type SystemStatus struct {
	LoadAverage  [3]float64         `json:"load_average"`
	CPUUsage     float64            `json:"cpu_usage"`
	MemoryUsage  float64            `json:"memory_usage"`
	ProcessCount int                `json:"process_count"`
	DiskUsage    map[string]float64 `json:"disk_usage"`
}

// GetSystemStatus fetches dynamic load figures.
func (c *Client) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	var out SystemStatus
	if err := c.call(ctx, "GET", "/api/v1/system/status", nil, 0, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecResult is the decoded data payload of POST /api/v1/shell/exec.
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
}

// ExecCommand runs command under the guest's allow-list policy. The
// envelope timeout sent with the request is the command timeout plus 5s;
// the client's own read deadline stays ReadTimeout and is not derived
// from either.
func (c *Client) ExecCommand(ctx context.Context, command string, timeoutSeconds int, workingDir string, env map[string]string) (*ExecResult, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	params := map[string]any{
		"command": command,
		"timeout": timeoutSeconds,
	}
	if workingDir != "" {
		params["working_dir"] = workingDir
	}
	if len(env) > 0 {
		params["env"] = env
	}
	var out ExecResult
	if err := c.call(ctx, "POST", "/api/v1/shell/exec", params, timeoutSeconds+5, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FileInfo is the decoded data payload of GET /api/v1/file/info.
type FileInfo struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
	Mode   string `json:"mode"`
	Owner  string `json:"owner"`
	Group  string `json:"group"`
	MTime  int64  `json:"mtime"`
	MD5    string `json:"md5"`
}

// GetFileInfo queries metadata for a guest-side path.
func (c *Client) GetFileInfo(ctx context.Context, path string) (*FileInfo, error) {
	var out FileInfo
	if err := c.call(ctx, "GET", "/api/v1/file/info?path="+url.QueryEscape(path), nil, 0, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadResult is what UploadFile returns once content has been verified.
type UploadResult struct {
	Path string
	Size int64
	MD5  string
}

// UploadFile writes localPath to remotePath on the guest, choosing a
// single-shot upload for files at or under chunkSize and a chunked
// session otherwise (best-effort abort on any error mid-session).
// chunkSize <= 0 uses defaultChunkSize.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, mode string, overwrite bool, chunkSize int) (*UploadResult, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, protocol.Errorf(protocol.FileNotFound, "local file not found: %s", localPath)
	}

	if info.Size() <= int64(chunkSize) {
		content, err := os.ReadFile(localPath)
		if err != nil {
			return nil, err
		}
		var result struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
			MD5  string `json:"md5"`
		}
		params := map[string]any{
			"path":      remotePath,
			"content":   base64.StdEncoding.EncodeToString(content),
			"mode":      mode,
			"overwrite": overwrite,
		}
		if err := c.call(ctx, "POST", "/api/v1/file/upload", params, 0, &result); err != nil {
			return nil, err
		}
		sum := md5.Sum(content)
		if hex.EncodeToString(sum[:]) != result.MD5 {
			return nil, protocol.Errorf(protocol.InternalError, "upload md5 mismatch")
		}
		return &UploadResult{Path: result.Path, Size: result.Size, MD5: result.MD5}, nil
	}

	return c.chunkedUpload(ctx, localPath, remotePath, mode, overwrite, chunkSize, info.Size())
}

func (c *Client) chunkedUpload(ctx context.Context, localPath, remotePath, mode string, overwrite bool, chunkSize int, totalSize int64) (*UploadResult, error) {
	var init struct {
		SessionID string `json:"session_id"`
	}
	initParams := map[string]any{
		"path": remotePath, "size": totalSize, "mode": mode, "overwrite": overwrite,
	}
	if err := c.call(ctx, "POST", "/api/v1/file/chunked/upload/init", initParams, 0, &init); err != nil {
		return nil, err
	}
	if init.SessionID == "" {
		return nil, protocol.Errorf(protocol.InternalError, "guest did not return a session_id")
	}

	abort := func() {
		_, _ = c.callRaw(ctx, "POST", "/api/v1/file/chunked/upload/abort", map[string]any{"session_id": init.SessionID}, 0)
	}

	f, err := os.Open(localPath)
	if err != nil {
		abort()
		return nil, err
	}
	defer f.Close()

	hasher := md5.New()
	buf := make([]byte, chunkSize)
	chunkIndex := 0
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			chunkParams := map[string]any{
				"session_id":  init.SessionID,
				"chunk_index": chunkIndex,
				"content":     base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if err := c.call(ctx, "POST", "/api/v1/file/chunked/upload/chunk", chunkParams, 0, nil); err != nil {
				abort()
				return nil, err
			}
			chunkIndex++
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			abort()
			return nil, readErr
		}
	}

	md5sum := hex.EncodeToString(hasher.Sum(nil))
	var finish struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
		MD5  string `json:"md5"`
	}
	finishParams := map[string]any{"session_id": init.SessionID, "md5": md5sum}
	if err := c.call(ctx, "POST", "/api/v1/file/chunked/upload/finish", finishParams, 0, &finish); err != nil {
		abort()
		return nil, err
	}
	return &UploadResult{Path: finish.Path, Size: finish.Size, MD5: finish.MD5}, nil
}

// DownloadResult is what DownloadFile returns once content has been
// verified against the guest-reported MD5.
type DownloadResult struct {
	Path string
	Size int64
	MD5  string
}

// DownloadFile reads remotePath from the guest into localPath, choosing
// single-shot or chunked transfer based on the guest-reported size.
// chunkSize <= 0 uses defaultChunkSize.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string, chunkSize int) (*DownloadResult, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	info, err := c.GetFileInfo(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if !info.Exists {
		return nil, protocol.Errorf(protocol.FileNotFound, "remote file not found: %s", remotePath)
	}

	if info.Size <= int64(chunkSize) {
		var result struct {
			Content string `json:"content"`
			MD5     string `json:"md5"`
		}
		if err := c.call(ctx, "POST", "/api/v1/file/download", map[string]any{"path": remotePath}, 0, &result); err != nil {
			return nil, err
		}
		content, err := base64.StdEncoding.DecodeString(result.Content)
		if err != nil {
			return nil, protocol.Errorf(protocol.JSONParseError, "invalid base64 content: %v", err)
		}
		if err := os.WriteFile(localPath, content, 0644); err != nil {
			return nil, err
		}
		sum := md5.Sum(content)
		if hex.EncodeToString(sum[:]) != result.MD5 {
			return nil, protocol.Errorf(protocol.InternalError, "download md5 mismatch")
		}
		return &DownloadResult{Path: localPath, Size: int64(len(content)), MD5: result.MD5}, nil
	}

	return c.chunkedDownload(ctx, remotePath, localPath, chunkSize)
}

func (c *Client) chunkedDownload(ctx context.Context, remotePath, localPath string, chunkSize int) (*DownloadResult, error) {
	f, err := os.Create(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hasher := md5.New()
	var offset int64
	var reportedTotalMD5 string
	for {
		var chunk struct {
			Content    string `json:"content"`
			HasMore    bool   `json:"has_more"`
			NextOffset int64  `json:"next_offset"`
		}
		params := map[string]any{"path": remotePath, "offset": offset, "size": chunkSize}
		if err := c.call(ctx, "POST", "/api/v1/file/chunked/download", params, 0, &chunk); err != nil {
			return nil, err
		}
		content, err := base64.StdEncoding.DecodeString(chunk.Content)
		if err != nil {
			return nil, protocol.Errorf(protocol.JSONParseError, "invalid base64 chunk: %v", err)
		}
		if _, err := f.Write(content); err != nil {
			return nil, err
		}
		hasher.Write(content)
		offset += int64(len(content))
		if !chunk.HasMore {
			break
		}
		offset = chunk.NextOffset
	}

	if info, err := c.GetFileInfo(ctx, remotePath); err == nil {
		reportedTotalMD5 = info.MD5
	}
	md5sum := hex.EncodeToString(hasher.Sum(nil))
	if reportedTotalMD5 != "" && reportedTotalMD5 != md5sum {
		return nil, protocol.Errorf(protocol.InternalError, "download md5 mismatch: expected %s, got %s", reportedTotalMD5, md5sum)
	}
	return &DownloadResult{Path: localPath, Size: offset, MD5: md5sum}, nil
}

// ControlService issues a systemd action against a named unit.
func (c *Client) ControlService(ctx context.Context, name, action string) (map[string]any, error) {
	var out map[string]any
	params := map[string]any{"name": name, "action": action}
	if err := c.call(ctx, "POST", "/api/v1/service/control", params, 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// call issues a request and decodes its data payload into out (skipped
// if out is nil). Envelope business errors surface as *protocol.RPCError.
func (c *Client) call(ctx context.Context, method, path string, params any, timeoutSeconds int, out any) error {
	env, err := c.callRaw(ctx, method, path, params, timeoutSeconds)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return protocol.Errorf(protocol.JSONParseError, "failed to re-encode response data: %v", err)
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) callRaw(ctx context.Context, method, path string, params any, timeoutSeconds int) (*protocol.ResponseEnvelope, error) {
	env, err := c.Request(ctx, method, path, params, timeoutSeconds)
	if err != nil {
		return nil, err
	}
	if env.Code != protocol.Success {
		return nil, &protocol.RPCError{Code: env.Code, Message: env.Message, Data: env.Data}
	}
	return env, nil
}
