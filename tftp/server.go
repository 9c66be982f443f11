// Package tftp adapts the TFTP transport to the provisioning engine. Phones
// that bootstrap over TFTP request the same file names they would fetch over
// HTTP; the adapter normalizes the read request and serves the engine's
// response bytes.
package tftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pin/tftp/v3"

	"github.com/provlab/phone-provisioning-backend/engine"
	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// requestTimeout bounds one read request end to end, render included.
const requestTimeout = 30 * time.Second

var macInFilename = regexp.MustCompile(`(?i)(?:^|[^0-9a-f])([0-9a-f]{12})(?:[^0-9a-f]|$)`)

// Server is a read-only TFTP listener backed by the provisioning engine.
type Server struct {
	engine *engine.Engine
	addr   string
	// tenant is the tenant scope this listener serves. Empty means the
	// system tenant.
	tenant string
	log    *slog.Logger

	srv *tftp.Server
}

// NewServer creates a TFTP server on the given listen address. Write
// requests are rejected; provisioning is strictly read-only.
func NewServer(eng *engine.Engine, addr, tenant string, log *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		addr:   addr,
		tenant: tenant,
		log:    log,
	}
	s.srv = tftp.NewServer(s.readHandler, nil)
	s.srv.SetTimeout(5 * time.Second)
	return s
}

// readHandler serves one TFTP read request. TFTP carries no vendor or model
// metadata, so identification relies on the file name pattern, the MAC
// embedded in it, and the client address.
func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	req := interfaces.Request{
		Transport:     interfaces.TransportTFTP,
		RequestedPath: strings.TrimPrefix(filename, "/"),
		Tenant:        s.tenant,
	}
	if transfer, ok := rf.(tftp.OutgoingTransfer); ok {
		addr := transfer.RemoteAddr()
		req.ClientAddress = addr.String()
	}
	if m := macInFilename.FindStringSubmatch(req.RequestedPath); m != nil {
		req.MACHint = m[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := s.engine.Handle(ctx, req)
	switch {
	case errors.Is(err, interfaces.ErrUnknownDevice), errors.Is(err, interfaces.ErrConfigNotFound):
		s.log.Debug("TFTP request not served", "err", err, slog.String("file", filename))
		return fmt.Errorf("file not found: %s", filename)
	case err != nil:
		s.log.Error("TFTP request failed", "err", err, slog.String("file", filename))
		return fmt.Errorf("serving %s: %w", filename, err)
	case resp.Status == interfaces.StatusNotFound:
		return fmt.Errorf("file not found: %s", filename)
	}

	if transfer, ok := rf.(tftp.OutgoingTransfer); ok {
		transfer.SetSize(int64(len(resp.ContentBytes)))
	}
	if _, err := rf.ReadFrom(bytes.NewReader(resp.ContentBytes)); err != nil {
		return fmt.Errorf("sending %s: %w", filename, err)
	}
	return nil
}

// RunInBackground starts the listener in its own goroutine.
func (s *Server) RunInBackground() {
	go func() {
		s.log.Info("Starting TFTP server", "listenAddress", s.addr)
		if err := s.srv.ListenAndServe(s.addr); err != nil {
			s.log.Error("TFTP server failed", "err", err)
		}
	}()
}

// Shutdown stops the listener and in-flight transfers.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
	s.log.Info("TFTP server stopped")
}
