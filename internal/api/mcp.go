package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"tachyon/internal/engine"
	"tachyon/internal/queue"
	"tachyon/internal/storage"
)

// MCPServer implements a basic JSON-RPC 2.0 handler for the stdin/stdout
// tool surface. It listens on Stdin and writes responses to Stdout.
type MCPServer struct {
	controller *engine.Controller
	queue      *queue.DownloadQueue
	storage    *storage.Storage
	mu         sync.Mutex
}

func NewMCPServer(controller *engine.Controller, q *queue.DownloadQueue, st *storage.Storage) *MCPServer {
	return &MCPServer{
		controller: controller,
		queue:      q,
		storage:    st,
	}
}

// Start blocks and processes messages from Stdin.
func (s *MCPServer) Start() {
	// Disable standard logger to avoid polluting stdout (which is used for RPC)
	log.SetOutput(os.Stderr)
	log.Printf("tool surface started, listening on stdin")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(line)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("stdin scan error: %v", err)
	}
}

type JsonRpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type JsonRpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *MCPServer) handleMessage(data []byte) {
	var req JsonRpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(nil, -32700, "Parse error")
		return
	}

	switch req.Method {
	case "initiate_download":
		s.handleInitiateDownload(req)
	case "pause_active_download":
		s.handlePauseDownload(req)
	case "stop_active_download":
		s.handleStopDownload(req)
	case "list_active_downloads":
		s.handleList(req)
	case "list_output_tree":
		s.handleListOutputTree(req)
	case "read_file_preview":
		s.handleReadFilePreview(req)
	case "tools/list": // standard MCP discovery
		s.handleToolsList(req)
	default:
		s.sendError(req.ID, -32601, "Method not found")
	}
}

func (s *MCPServer) sendResponse(id interface{}, result interface{}) {
	resp := JsonRpcResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	s.write(resp)
}

func (s *MCPServer) sendError(id interface{}, code int, message string) {
	resp := JsonRpcResponse{
		JSONRPC: "2.0",
		Error: &RpcError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
	s.write(resp)
}

func (s *MCPServer) write(resp JsonRpcResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bytes, _ := json.Marshal(resp)
	fmt.Fprintf(os.Stdout, "%s\n", bytes)
}

// Handlers

type DownloadParams struct {
	URL             string `json:"url"`
	Path            string `json:"path"`
	Filename        string `json:"filename"`
	Connections     int    `json:"connections"`
	ForceAnonymizer bool   `json:"force_anonymizer"`
}

func (s *MCPServer) handleInitiateDownload(req JsonRpcRequest) {
	var params DownloadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params")
		return
	}

	if params.URL == "" {
		s.sendError(req.ID, -32602, "URL is required")
		return
	}

	task, err := s.controller.StartDownload(context.Background(), engine.StartRequest{
		URL:             params.URL,
		SavePath:        params.Path,
		Filename:        params.Filename,
		Connections:     params.Connections,
		ForceAnonymizer: params.ForceAnonymizer,
	})
	if err != nil {
		s.sendError(req.ID, -32000, err.Error())
		return
	}
	s.queue.Push(&task)

	s.sendResponse(req.ID, map[string]string{
		"status":  "queued",
		"task_id": task.ID,
		"message": "Download started successfully",
	})
}

type TaskIDParams struct {
	TaskID string `json:"task_id"`
}

func (s *MCPServer) handlePauseDownload(req JsonRpcRequest) {
	var params TaskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params")
		return
	}
	if err := s.controller.Pause(params.TaskID); err != nil {
		s.sendError(req.ID, -32000, err.Error())
		return
	}
	s.sendResponse(req.ID, map[string]string{"status": "paused"})
}

func (s *MCPServer) handleStopDownload(req JsonRpcRequest) {
	var params TaskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params")
		return
	}
	if err := s.controller.Stop(params.TaskID); err != nil {
		s.sendError(req.ID, -32000, err.Error())
		return
	}
	s.sendResponse(req.ID, map[string]string{"status": "stopped"})
}

func (s *MCPServer) handleList(req JsonRpcRequest) {
	tasks, err := s.storage.GetAllTasks()
	if err != nil {
		s.sendError(req.ID, -32000, err.Error())
		return
	}

	var active []map[string]interface{}
	for _, t := range tasks {
		if t.Status == "downloading" || t.Status == "pending" || t.Status == "paused" || t.Status == "scheduled" {
			active = append(active, map[string]interface{}{
				"id":       t.ID,
				"filename": t.Filename,
				"status":   t.Status,
				"progress": t.Progress,
				"speed":    t.Speed,
			})
		}
	}
	s.sendResponse(req.ID, active)
}

type ListOutputTreeParams struct {
	Dir string `json:"dir"`
}

// handleListOutputTree is a thin filesystem-browsing collaborator, kept
// outside the engine package so the Job Controller has no
// filesystem-browsing concern of its own.
func (s *MCPServer) handleListOutputTree(req JsonRpcRequest) {
	var params ListOutputTreeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Dir == "" {
		s.sendError(req.ID, -32602, "dir is required")
		return
	}

	entries, err := os.ReadDir(params.Dir)
	if err != nil {
		s.sendError(req.ID, -32000, err.Error())
		return
	}

	var names []map[string]interface{}
	for _, e := range entries {
		info, err := e.Info()
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		names = append(names, map[string]interface{}{
			"name":   e.Name(),
			"is_dir": e.IsDir(),
			"size":   size,
		})
	}
	s.sendResponse(req.ID, names)
}

type ReadFilePreviewParams struct {
	Path       string `json:"path"`
	MaxBytes   int    `json:"max_bytes"`
	SourceHint string `json:"source_hint"`
}

// handleReadFilePreview reads up to MaxBytes (default 4KB) from the
// head of a completed download for a quick sanity check.
func (s *MCPServer) handleReadFilePreview(req JsonRpcRequest) {
	var params ReadFilePreviewParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Path == "" {
		s.sendError(req.ID, -32602, "path is required")
		return
	}
	max := params.MaxBytes
	if max <= 0 || max > 1<<20 {
		max = 4096
	}

	f, err := os.Open(filepath.Clean(params.Path))
	if err != nil {
		s.sendError(req.ID, -32000, err.Error())
		return
	}
	defer f.Close()

	buf := make([]byte, max)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		s.sendError(req.ID, -32000, err.Error())
		return
	}

	s.sendResponse(req.ID, map[string]interface{}{
		"path":    params.Path,
		"preview": string(buf[:n]),
		"bytes":   n,
	})
}

// handleToolsList responds to MCP tool discovery.
func (s *MCPServer) handleToolsList(req JsonRpcRequest) {
	tools := []map[string]interface{}{
		{
			"name":        "initiate_download",
			"description": "Download a file using the Tachyon engine",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url":              map[string]string{"type": "string", "description": "URL to download"},
					"path":             map[string]string{"type": "string", "description": "Destination directory (optional)"},
					"filename":         map[string]string{"type": "string", "description": "Custom filename (optional)"},
					"connections":      map[string]string{"type": "integer", "description": "Worker connections for this job (optional, server default if omitted)"},
					"force_anonymizer": map[string]string{"type": "boolean", "description": "Route this download through the SOCKS5 anonymizer (optional)"},
				},
				"required": []string{"url"},
			},
		},
		{
			"name":        "pause_active_download",
			"description": "Pause a running download, leaving it resumable",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"task_id": map[string]string{"type": "string"}},
				"required":   []string{"task_id"},
			},
		},
		{
			"name":        "stop_active_download",
			"description": "Cancel a running or queued download",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"task_id": map[string]string{"type": "string"}},
				"required":   []string{"task_id"},
			},
		},
		{
			"name":        "list_active_downloads",
			"description": "List downloads that are queued, running, scheduled, or paused",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			"name":        "list_output_tree",
			"description": "List the contents of a download output directory",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"dir": map[string]string{"type": "string"}},
				"required":   []string{"dir"},
			},
		},
		{
			"name":        "read_file_preview",
			"description": "Read a byte-limited preview from the start of a file",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":      map[string]string{"type": "string"},
					"max_bytes": map[string]string{"type": "integer"},
				},
				"required": []string{"path"},
			},
		},
	}

	s.sendResponse(req.ID, map[string]interface{}{
		"tools": tools,
	})
}
