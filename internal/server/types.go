package server

import (
	"encoding/json"
	"net/http"
)

// StartRunRequest is the optional POST /api/run body.
type StartRunRequest struct {
	Resume bool   `json:"resume,omitempty"`
	OutDir string `json:"out_dir,omitempty"`
}

// ImageInfo describes one gallery entry.
type ImageInfo struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	CreatedMS int64  `json:"created_ms"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
