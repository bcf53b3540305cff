// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin provides a password protected https server to inspect and
// nudge a running custody daemon.
package admin

import (
	"context"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/cron"
	"decred.org/dcrcustody/server/db"
	"github.com/decred/dcrd/certgen"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// rpcTimeoutSeconds is the number of seconds a connection to the
	// server is allowed to stay open without authenticating before it
	// is closed.
	rpcTimeoutSeconds = 10
)

var (
	log = custody.Disabled
)

// Jobs is satisfied by *cron.Scheduler.
type Jobs interface {
	Status() []*cron.JobStatus
	Trigger(ctx context.Context, name string) error
}

// Registrar derives and records a deposit address of one chain.
type Registrar interface {
	Register(ctx context.Context, clientID int64, path string) (string, error)
}

// Server is a multi-client https server.
type Server struct {
	store      db.Store
	coins      custody.Coins
	jobs       Jobs
	registrars map[custody.Chain]Registrar
	addr       string
	tlsConfig  *tls.Config
	srv        *http.Server
	authSHA    [32]byte
}

// SrvConfig holds variables needed to create a new Server.
type SrvConfig struct {
	Store           db.Store
	Coins           custody.Coins
	Jobs            Jobs
	Registrars      map[custody.Chain]Registrar
	Addr, Cert, Key string
	AuthSHA         [32]byte
}

// UseLogger sets the logger for the admin package.
func UseLogger(logger custody.Logger) {
	log = logger
}

// filesExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string) error {
	log.Infof("Generating TLS certificates...")

	org := "dcrcustody autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org, validUntil, nil)
	if err != nil {
		return err
	}

	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}

// NewServer is the constructor for a new Server. A missing key pair is
// generated.
func NewServer(cfg *SrvConfig) (*Server, error) {
	keyExists, certExists := fileExists(cfg.Key), fileExists(cfg.Cert)
	if certExists != keyExists {
		return nil, errors.New("missing TLS key or certificate")
	}
	if !keyExists {
		if err := genCertPair(cfg.Cert, cfg.Key); err != nil {
			return nil, fmt.Errorf("error generating TLS key pair: %w", err)
		}
	}

	keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS12,
	}

	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second, // slow requests should not hold connections opened
		WriteTimeout: rpcTimeoutSeconds * time.Second, // hung responses must die
	}

	s := &Server{
		store:      cfg.Store,
		coins:      cfg.Coins,
		jobs:       cfg.Jobs,
		registrars: cfg.Registrars,
		srv:        httpServer,
		addr:       cfg.Addr,
		tlsConfig:  tlsConfig,
		authSHA:    cfg.AuthSHA,
	}

	// Middleware
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(oneTimeConnection)
	mux.Use(s.authMiddleware)

	mux.Route("/api", s.routes)

	return s, nil
}

func (s *Server) routes(r chi.Router) {
	r.Get("/ping", apiPing)
	r.Get("/coins", s.apiCoins)
	r.Get("/coins/{"+coinKey+"}", s.apiCoin)
	r.Get("/accounts/{"+clientKey+"}/{"+coinKey+"}", s.apiAccount)
	r.Get("/deposits", s.apiDeposits)
	r.Get("/deposits/{"+idKey+"}", s.apiDeposit)
	r.Get("/withdrawals", s.apiWithdrawals)
	r.Get("/withdrawals/{"+idKey+"}", s.apiWithdrawal)
	r.Post("/addresses/{"+chainKey+"}/{"+clientKey+"}", s.apiRegister)
	r.Get("/jobs", s.apiJobs)
	r.Post("/jobs/{"+jobKey+"}/trigger", s.apiTrigger)
}

// Run starts the server.
func (s *Server) Run(ctx context.Context) {
	listener, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		log.Errorf("can't listen on %s. admin server quitting: %v", s.addr, err)
		return
	}

	// Close the listener on context cancellation.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		if err := s.srv.Shutdown(context.Background()); err != nil {
			// Error from closing listeners:
			log.Errorf("HTTP server Shutdown: %v", err)
		}
	}()
	log.Infof("admin server listening on %s", s.addr)
	if err := s.srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}

	// Wait for Shutdown.
	wg.Wait()
	log.Infof("admin server off")
}

// oneTimeConnection sets fields in the header and request that indicate this
// connection should not be reused.
func oneTimeConnection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		r.Close = true
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks incoming requests for authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// User is ignored.
		_, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			log.Warnf("server authentication failure from ip: %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="custody admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		log.Debugf("server authenticated ip: %s", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
