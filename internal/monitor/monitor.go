// Package monitor serves disassembly over HTTP and websockets.
//
//	GET /health                      liveness
//	GET /disas?sel=10&ptr=1000&count=4  JSON disassembly
//	GET /metrics                     prometheus metrics
//	GET /ws                          one request per text message, e.g. "0010:1000 4"
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vmdisas/internal/disas"
	"vmdisas/internal/selector"
	"vmdisas/internal/vmerr"
)

// MaxCount caps the instructions returned for one request.
const MaxCount = 256

type Instruction struct {
	Sel   string `json:"sel"`
	Off   string `json:"off"`
	Addr  string `json:"addr"`
	Len   int    `json:"len"`
	Bytes string `json:"bytes"`
	Op    string `json:"op"`
	Text  string `json:"text"`
	Line  string `json:"line"`
}

type Response struct {
	Instructions []Instruction `json:"instructions"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
}

type HealthResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Server answers disassembly requests against one Disassembler.
type Server struct {
	dis      *disas.Disassembler
	flags    disas.Flags
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func New(dis *disas.Disassembler, flags disas.Flags, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dis:    dis,
		flags:  flags,
		logger: logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.mux.HandleFunc("/health", s.health)
	s.mux.HandleFunc("/disas", s.disas)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.ws)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("monitor listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Name: os.Args[0], Status: "ok"})
}

func (s *Server) disas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	addr := q.Get("ptr")
	if sel := q.Get("sel"); sel != "" {
		addr = sel + ":" + addr
	}
	sel, ptr, err := selector.ParseAddress(addr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	count, err := parseCount(q.Get("count"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}

	writeJSON(w, http.StatusOK, s.run(r.Context(), sel, ptr, count))
}

// ws handles one websocket client. Each text message is "addr [count]";
// each gets one JSON Response.
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		messageType, p, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read", "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		resp := s.handleMessage(r.Context(), string(p))
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("websocket write", "err", err)
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, msg string) Response {
	fields := strings.Fields(msg)
	if len(fields) == 0 || len(fields) > 2 {
		return errorResponse(fmt.Errorf("want \"addr [count]\": %w", vmerr.ErrInvalidArgument))
	}
	sel, ptr, err := selector.ParseAddress(fields[0])
	if err != nil {
		return errorResponse(err)
	}
	countStr := ""
	if len(fields) == 2 {
		countStr = fields[1]
	}
	count, err := parseCount(countStr)
	if err != nil {
		return errorResponse(err)
	}
	return s.run(ctx, sel, ptr, count)
}

func (s *Server) run(ctx context.Context, sel uint16, ptr uint64, count int) Response {
	stream, err := s.dis.Range(ctx, sel, ptr, count, s.flags)
	resp := Response{
		Instructions: make([]Instruction, 0, len(stream)),
		Status:       vmerr.StatusOf(err).String(),
	}
	for _, inst := range stream {
		resp.Instructions = append(resp.Instructions, Instruction{
			Sel:   fmt.Sprintf("%04x", inst.Sel),
			Off:   fmt.Sprintf("%#x", inst.Off),
			Addr:  fmt.Sprintf("%#x", inst.Addr),
			Len:   inst.Len,
			Bytes: inst.HexBytes(),
			Op:    inst.Op,
			Text:  inst.Text,
			Line:  inst.Line,
		})
	}
	if err != nil {
		resp.Error = err.Error()
		s.logger.Debug("monitor request failed", "sel", fmt.Sprintf("%04x", sel), "ptr", fmt.Sprintf("%#x", ptr), "err", err)
	}
	return resp
}

func parseCount(s string) (int, error) {
	if s == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > MaxCount {
		return 0, fmt.Errorf("count %q: want 1..%d: %w", s, MaxCount, vmerr.ErrInvalidArgument)
	}
	return n, nil
}

func errorResponse(err error) Response {
	return Response{
		Instructions: []Instruction{},
		Status:       vmerr.StatusOf(err).String(),
		Error:        err.Error(),
	}
}
