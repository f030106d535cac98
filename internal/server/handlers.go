package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/adgen/internal/config"
	"github.com/danshapiro/adgen/internal/events"
	"github.com/danshapiro/adgen/internal/runner"
	"github.com/danshapiro/adgen/internal/store"
)

const maxBodyBytes = 1 << 20

const imageGlob = "*.{png,jpg,jpeg,webp}"

var imageContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.runs)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   n,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.serveYAMLFile(w, s.config.ConfigPath)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	s.serveYAMLFile(w, s.config.TemplatePath)
}

func (s *Server) serveYAMLFile(w http.ResponseWriter, path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("%s does not exist", filepath.Base(path)))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	s.putValidated(w, r, s.config.ConfigPath, func(b []byte) error {
		_, err := config.ParseRunConfig(b, ".yaml")
		return err
	})
}

func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	s.putValidated(w, r, s.config.TemplatePath, func(b []byte) error {
		_, err := config.ParseTemplate(b, ".yaml")
		return err
	})
}

// putValidated rejects bodies that fail validation before touching the file,
// so a bad PUT can never clobber a working config.
func (s *Server) putValidated(w http.ResponseWriter, r *http.Request, path string, validate func([]byte) error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	if err := validate(b); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := store.WriteAtomic(path, b); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("write file: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
				return
			}
		}
	}

	cfg, err := config.LoadRunConfig(s.config.ConfigPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
		return
	}
	tpl, err := config.LoadTemplate(s.config.TemplatePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid template: %v", err))
		return
	}
	if err := config.CheckBudget(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Resume {
		cfg.Resume = true
	}

	outDir := s.config.OutDir
	if req.OutDir != "" {
		outDir = req.OutDir
	}

	s.mu.Lock()
	if s.active != nil && s.active.running() {
		activeID := s.active.ID
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "a run is already active",
			"run_id": activeID,
		})
		return
	}

	runID := "run-" + ulid.Make().String()
	ctx, cancelRun := context.WithCancel(s.baseCtx)
	rs := &runState{
		ID:        runID,
		OutDir:    outDir,
		Bus:       events.NewBus(),
		Cancel:    cancelRun,
		StartedAt: time.Now(),
	}
	s.runs[runID] = rs
	s.active = rs
	s.mu.Unlock()

	go func() {
		defer cancelRun()
		err := runner.Execute(ctx, runID, cfg, tpl, outDir, rs.Bus)
		rs.finish(err)
		rs.Bus.Close()
		if err != nil {
			s.logger.Printf("run %s failed: %v", runID, err)
		} else {
			s.logger.Printf("run %s finished", runID)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":  runID,
		"out_dir": outDir,
	})
}

func (s *Server) lookupRun(id string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rs := s.lookupRun(r.PathValue("id"))
	if rs == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	state, errMsg := rs.status()
	resp := map[string]any{
		"run_id":     rs.ID,
		"state":      state,
		"out_dir":    rs.OutDir,
		"started_at": rs.StartedAt.UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		resp["error"] = errMsg
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	rs := s.lookupRun(r.PathValue("id"))
	if rs == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeSSE(w, r, rs.Bus)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	rs := s.lookupRun(r.PathValue("id"))
	if rs == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	rs.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": rs.ID,
		"status": "canceling",
	})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	files, err := os.ReadDir(s.config.OutDir)
	if err != nil && !os.IsNotExist(err) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	images := []ImageInfo{}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ok, err := doublestar.Match(imageGlob, strings.ToLower(f.Name()))
		if err != nil || !ok {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		images = append(images, ImageInfo{
			Name:      f.Name(),
			URL:       "/api/images/" + f.Name(),
			CreatedMS: info.ModTime().UnixMilli(),
		})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].CreatedMS > images[j].CreatedMS })
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	// Single path component only; never walk out of the output directory.
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "invalid image name")
		return
	}
	b, err := os.ReadFile(filepath.Join(s.config.OutDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "image not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ct := imageContentTypes[strings.ToLower(filepath.Ext(name))]
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	sum, err := store.ScanCosts(s.config.OutDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
