// Package admin serves the administrative command channel: a plain-TCP line
// protocol for inspecting in-flight transactions and resolving outcomes
// (heuristic cleanup, forced completion) that the coordinator cannot settle
// on its own.
package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/registry"
	"github.com/vantus-tm/vantus/core/txn"
)

// Response is the JSON reply written for every command.
type Response struct {
	Status  string `json:"status"` // OK, ERROR, NOT_FOUND
	Message string `json:"message,omitempty"`
}

// Command is a parsed admin request.
type Command struct {
	Name string // STATUS, LIST, INFO, COMMIT, ROLLBACK, FORGET, RECOVER
	Xid  string // set for the per-transaction commands
}

var errEmptyCommand = errors.New("empty command")

// ParseCommand parses one raw protocol line.
func ParseCommand(raw string) (Command, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Command{}, errEmptyCommand
	}
	cmd := Command{Name: strings.ToUpper(parts[0])}
	switch cmd.Name {
	case "STATUS", "LIST", "RECOVER":
		// No arguments.
	case "INFO", "COMMIT", "ROLLBACK", "FORGET":
		if len(parts) < 2 {
			return Command{}, fmt.Errorf("%s requires an xid", cmd.Name)
		}
		cmd.Xid = parts[1]
	default:
		return Command{}, fmt.Errorf("unknown command: %s", cmd.Name)
	}
	return cmd, nil
}

// Config controls the admin server.
type Config struct {
	Addr   string
	Logger *zap.Logger
}

// Server handles admin connections against the transaction registry.
type Server struct {
	cfg    Config
	logger *zap.Logger
	reg    *registry.Registry

	ctx  context.Context
	stop context.CancelFunc
	ln   net.Listener
	wg   sync.WaitGroup
}

// NewServer builds an admin server over the registry.
func NewServer(cfg Config, reg *registry.Registry) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("Config.Addr is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.Named("admin"),
		reg:    reg,
		ctx:    ctx,
		stop:   cancel,
	}, nil
}

// Start begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.logger.Info("admin server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					s.logger.Warn("accept failed", zap.Error(err))
					continue
				}
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConnection(conn)
			}()
		}
	}()
	return nil
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() error {
	s.stop()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// handleConnection serves one client: newline-delimited commands in, one
// JSON response line per command out.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)
	enc := json.NewEncoder(writer)

	for scanner.Scan() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.Handle(s.ctx, line)
		if err := enc.Encode(resp); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// Handle executes one raw command line and returns the response. Exposed
// separately from the connection loop so the dispatch logic is testable
// without a socket.
func (s *Server) Handle(ctx context.Context, raw string) Response {
	cmd, err := ParseCommand(raw)
	if err != nil {
		return Response{Status: "ERROR", Message: err.Error()}
	}

	switch cmd.Name {
	case "STATUS":
		txns := s.reg.List()
		counts := make(map[string]int)
		for _, tx := range txns {
			counts[tx.State().String()]++
		}
		payload, _ := json.Marshal(counts)
		return Response{Status: "OK", Message: fmt.Sprintf("%d transactions: %s", len(txns), payload)}

	case "LIST":
		var lines []string
		for _, tx := range s.reg.List() {
			lines = append(lines, fmt.Sprintf("%s state=%s imported=%t participants=%d",
				tx.ID(), tx.State(), tx.Imported(), tx.ParticipantCount()))
		}
		return Response{Status: "OK", Message: strings.Join(lines, "\n")}

	case "INFO":
		tx, ok := s.reg.Find(cmd.Xid)
		if !ok {
			return Response{Status: "NOT_FOUND", Message: fmt.Sprintf("no transaction for xid %s", cmd.Xid)}
		}
		return Response{Status: "OK", Message: fmt.Sprintf(
			"xid=%s state=%s imported=%t rollback_only=%t participants=%d deadline=%s",
			tx.ID(), tx.State(), tx.Imported(), tx.RollbackOnly(), tx.ParticipantCount(),
			tx.Deadline().Format("15:04:05.000"))}

	case "COMMIT":
		return s.resolve(ctx, cmd.Xid, func(tx *txn.Transaction) error {
			if tx.State() == txn.StatePrepared {
				return tx.SubordinateCommit(ctx, false)
			}
			return tx.Commit(ctx)
		}, "committed")

	case "ROLLBACK":
		return s.resolve(ctx, cmd.Xid, func(tx *txn.Transaction) error {
			if tx.Imported() || tx.State() == txn.StatePrepared {
				return tx.SubordinateRollback(ctx)
			}
			return tx.Rollback(ctx)
		}, "rolled back")

	case "FORGET":
		tx, ok := s.reg.Find(cmd.Xid)
		if !ok {
			return Response{Status: "NOT_FOUND", Message: fmt.Sprintf("no transaction for xid %s", cmd.Xid)}
		}
		if err := s.reg.Forget(ctx, tx.ID()); err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK", Message: fmt.Sprintf("forgot %s", cmd.Xid)}

	case "RECOVER":
		var xids []string
		for _, x := range s.reg.InDoubt() {
			xids = append(xids, x.String())
		}
		return Response{Status: "OK", Message: strings.Join(xids, "\n")}

	default:
		return Response{Status: "ERROR", Message: fmt.Sprintf("unsupported command: %s", cmd.Name)}
	}
}

func (s *Server) resolve(ctx context.Context, key string, op func(*txn.Transaction) error, verb string) Response {
	tx, ok := s.reg.Find(key)
	if !ok {
		return Response{Status: "NOT_FOUND", Message: fmt.Sprintf("no transaction for xid %s", key)}
	}
	if err := op(tx); err != nil {
		return Response{Status: "ERROR", Message: err.Error()}
	}
	return Response{Status: "OK", Message: fmt.Sprintf("%s %s", verb, key)}
}
