package guestserver

import (
	"time"

	"github.com/supermanc88/virtio-serial-rpc/internal/guestserver/handlers"
)

// RegisterRoutes wires every route this agent exposes onto router. It is
// the single place that maps the wire protocol's method+path pairs onto
// their handlers — callers assemble the handler set (policy-backed file
// and shell handlers plus the stateless system/service functions) and
// hand it here once, before calling Server.Run.
type RouteHandlers struct {
	File  *handlers.FileHandler
	Shell *handlers.ShellHandler
}

// Per-route body caps. Most requests carry only a small params object;
// the file routes that move base64-encoded bytes need enough headroom
// for one chunk (defaultChunkSize/maxChunkSize in handlers/file.go) plus
// base64's ~4/3 expansion.
const (
	smallBody       = 16 * 1024
	uploadBody      = 16 * 1024 * 1024
	chunkBody       = 8 * 1024 * 1024
	downloadReqBody = 4 * 1024
)

// RegisterRoutes registers the full fixed route table. Calling it twice
// on the same router panics, same as any duplicate registration.
func RegisterRoutes(router *Router, h RouteHandlers) {
	router.HandleRoute("GET", "/api/v1/ping", handlers.Ping, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 5 * time.Second,
	})
	router.HandleRoute("GET", "/api/v1/system/info", handlers.Info, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 5 * time.Second,
	})
	router.HandleRoute("GET", "/api/v1/system/status", handlers.Status, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 5 * time.Second,
	})

	router.HandleRoute("POST", "/api/v1/shell/exec", h.Shell.Exec, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 60 * time.Second,
	})

	router.HandleRoute("POST", "/api/v1/file/upload", h.File.Upload, RouteOptions{
		MaxBodyBytes: uploadBody, DefaultTimeout: 60 * time.Second,
	})
	router.HandleRoute("POST", "/api/v1/file/download", h.File.Download, RouteOptions{
		MaxBodyBytes: downloadReqBody, DefaultTimeout: 30 * time.Second, AuthRequired: true,
	})
	router.HandleRoute("GET", "/api/v1/file/info", h.File.Info, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 10 * time.Second,
	})

	router.HandleRoute("POST", "/api/v1/file/chunked/upload/init", h.File.ChunkedUploadInit, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 10 * time.Second,
	})
	router.HandleRoute("POST", "/api/v1/file/chunked/upload/chunk", h.File.ChunkedUploadChunk, RouteOptions{
		MaxBodyBytes: chunkBody, DefaultTimeout: 30 * time.Second,
	})
	router.HandleRoute("POST", "/api/v1/file/chunked/upload/finish", h.File.ChunkedUploadFinish, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 30 * time.Second,
	})
	router.HandleRoute("POST", "/api/v1/file/chunked/upload/abort", h.File.ChunkedUploadAbort, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 10 * time.Second,
	})
	router.HandleRoute("POST", "/api/v1/file/chunked/download", h.File.ChunkedDownload, RouteOptions{
		MaxBodyBytes: downloadReqBody, DefaultTimeout: 30 * time.Second, AuthRequired: true,
	})

	router.HandleRoute("POST", "/api/v1/service/control", handlers.ServiceControl, RouteOptions{
		MaxBodyBytes: smallBody, DefaultTimeout: 60 * time.Second, AuthRequired: true,
	})
}
