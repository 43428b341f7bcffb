package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nuetzliches/toolhub/internal/dispatch"
	"github.com/nuetzliches/toolhub/internal/router"
)

const MaxHTTPBody = 1 << 20

// HTTPHandler serves JSON-RPC over POST. The mount path itself reaches
// the hub; "<path>/<service>" reaches a single service.
type HTTPHandler struct {
	Path    string
	Hub     Handler
	Service func(name string) (Handler, error)
	Logger  *slog.Logger
}

func (s *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mount := s.Path
	if mount == "" {
		mount = "/"
	}
	segment, ok := router.Subpath(r.URL.Path, mount)
	if !ok {
		writeRPCError(w, http.StatusNotFound, dispatch.Errorf(dispatch.CodeMethodNotFound, "not found"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeRPCError(w, http.StatusMethodNotAllowed, dispatch.Errorf(dispatch.CodeInvalidRequest, "method must be POST"))
		return
	}

	target := s.Hub
	if segment != "" {
		if s.Service == nil {
			writeRPCError(w, http.StatusNotFound, dispatch.Errorf(dispatch.CodeMethodNotFound, "%s", dispatch.ErrUnknownService.Error()))
			return
		}
		h, err := s.Service(segment)
		if err != nil {
			writeRPCError(w, http.StatusNotFound, dispatch.MapError(err))
			return
		}
		target = h
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxHTTPBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, dispatch.Errorf(dispatch.CodeInvalidRequest, "request body exceeds %d bytes", MaxHTTPBody))
			return
		}
		writeRPCError(w, http.StatusBadRequest, dispatch.Errorf(dispatch.CodeParseError, "read body: %v", err))
		return
	}

	reply := target.HandleMessage(r.Context(), body)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(reply); err != nil {
		s.logger().Debug("http_write_failed", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
}

func (s *HTTPHandler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// ServiceLoader adapts a dispatch.Loader to HTTPHandler.Service.
func ServiceLoader(l *dispatch.Loader) func(string) (Handler, error) {
	return func(name string) (Handler, error) {
		d, err := l.Load(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func writeRPCError(w http.ResponseWriter, status int, rpcErr *dispatch.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(dispatch.ErrorResponse(nil, rpcErr))
}
