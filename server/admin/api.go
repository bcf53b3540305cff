// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/cron"
	"decred.org/dcrcustody/server/db"
	"github.com/go-chi/chi/v5"
)

const (
	pongStr   = "pong"
	coinKey   = "coin"
	clientKey = "client"
	chainKey  = "chain"
	idKey     = "id"
	jobKey    = "job"

	// defaultLimit bounds list results when no limit is requested.
	defaultLimit = 100
)

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// writeStoreError maps a ledger error to a status code.
func writeStoreError(w http.ResponseWriter, err error, what string) {
	if db.IsErrNotFound(err) {
		http.Error(w, what+" not found", http.StatusNotFound)
		return
	}
	log.Errorf("error retrieving %s: %v", what, err)
	http.Error(w, "failed to retrieve "+what, http.StatusInternalServerError)
}

// apiPing is the handler for the '/ping' API request.
func apiPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, pongStr)
}

func (s *Server) coinState(r *http.Request, c *custody.Coin) (*CoinState, error) {
	info, err := s.store.CoinInfo(r.Context(), c.Symbol)
	if err != nil {
		return nil, err
	}
	return &CoinState{
		Symbol:        c.Symbol,
		Chain:         string(c.Chain),
		Decimals:      c.Decimals,
		Contract:      c.Contract,
		Confirmations: c.Confirmations,
		Info:          info,
	}, nil
}

// apiCoins is the handler for the '/coins' API request.
func (s *Server) apiCoins(w http.ResponseWriter, r *http.Request) {
	states := make([]*CoinState, 0, len(s.coins))
	for _, sym := range s.coins.Symbols() {
		st, err := s.coinState(r, s.coins[sym])
		if err != nil {
			writeStoreError(w, err, "coin "+sym)
			return
		}
		states = append(states, st)
	}
	writeJSON(w, states)
}

// apiCoin is the handler for the '/coins/{coin}' API request.
func (s *Server) apiCoin(w http.ResponseWriter, r *http.Request) {
	c, err := s.coins.Lookup(strings.ToUpper(chi.URLParam(r, coinKey)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, err := s.coinState(r, c)
	if err != nil {
		writeStoreError(w, err, "coin "+c.Symbol)
		return
	}
	writeJSON(w, st)
}

func parseClientID(r *http.Request) (int64, error) {
	s := chi.URLParam(r, clientKey)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid client id %q", s)
	}
	return id, nil
}

// apiAccount is the handler for the '/accounts/{client}/{coin}' API request.
func (s *Server) apiAccount(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := s.coins.Lookup(strings.ToUpper(chi.URLParam(r, coinKey)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	acct, err := s.store.Account(r.Context(), clientID, c.Symbol)
	if err != nil {
		writeStoreError(w, err, "account")
		return
	}
	writeJSON(w, acct)
}

// listQuery parses the coin, status and limit query parameters shared by the
// list endpoints.
func (s *Server) listQuery(r *http.Request) (coin, status string, limit int, err error) {
	q := r.URL.Query()
	if coin = q.Get("coin"); coin != "" {
		c, err := s.coins.Lookup(strings.ToUpper(coin))
		if err != nil {
			return "", "", 0, err
		}
		coin = c.Symbol
	}
	status = strings.ToLower(q.Get("status"))
	limit = defaultLimit
	if n := q.Get("n"); n != "" {
		limit, err = strconv.Atoi(n)
		if err != nil || limit <= 0 {
			return "", "", 0, fmt.Errorf("invalid limit %q", n)
		}
	}
	return coin, status, limit, nil
}

func parseID(r *http.Request) (int64, error) {
	s := chi.URLParam(r, idKey)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// apiDeposits is the handler for the '/deposits?coin=SYM&status=STATUS&n=N'
// API request.
func (s *Server) apiDeposits(w http.ResponseWriter, r *http.Request) {
	coin, status, limit, err := s.listQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter := &db.DepositFilter{CoinSymbol: coin, Limit: limit}
	if status != "" {
		filter.Status = db.DepositStatus(status)
		if !filter.Status.Valid() {
			http.Error(w, fmt.Sprintf("unknown deposit status %q", status), http.StatusBadRequest)
			return
		}
	}
	deps, err := s.store.Deposits(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err, "deposits")
		return
	}
	writeJSON(w, deps)
}

// apiDeposit is the handler for the '/deposits/{id}' API request.
func (s *Server) apiDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.store.Deposit(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "deposit")
		return
	}
	writeJSON(w, d)
}

// apiWithdrawals is the handler for the
// '/withdrawals?coin=SYM&status=STATUS&n=N' API request.
func (s *Server) apiWithdrawals(w http.ResponseWriter, r *http.Request) {
	coin, status, limit, err := s.listQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter := &db.WithdrawalFilter{CoinSymbol: coin, Limit: limit}
	if status != "" {
		filter.Status = db.WithdrawalStatus(status)
		if !filter.Status.Valid() {
			http.Error(w, fmt.Sprintf("unknown withdrawal status %q", status), http.StatusBadRequest)
			return
		}
	}
	ws, err := s.store.Withdrawals(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err, "withdrawals")
		return
	}
	writeJSON(w, ws)
}

// apiWithdrawal is the handler for the '/withdrawals/{id}' API request.
func (s *Server) apiWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wd, err := s.store.Withdrawal(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "withdrawal")
		return
	}
	writeJSON(w, wd)
}

// apiRegister is the handler for the '/addresses/{chain}/{client}?path=PATH'
// API request. The path defaults to "0".
func (s *Server) apiRegister(w http.ResponseWriter, r *http.Request) {
	chain := custody.Chain(strings.ToLower(chi.URLParam(r, chainKey)))
	reg := s.registrars[chain]
	if reg == nil {
		http.Error(w, fmt.Sprintf("unknown chain %q", chain), http.StatusBadRequest)
		return
	}
	clientID, err := parseClientID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "0"
	}
	addr, err := reg.Register(r.Context(), clientID, path)
	if err != nil {
		log.Errorf("error registering %s address %d/%s: %v", chain, clientID, path, err)
		http.Error(w, fmt.Sprintf("failed to register address: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, &AddressResult{
		Chain:    string(chain),
		ClientID: clientID,
		Path:     path,
		Address:  addr,
	})
}

func jobState(st *cron.JobStatus) *JobState {
	js := &JobState{
		Name:      st.Name,
		Interval:  st.Interval.String(),
		Running:   st.Running,
		Halted:    st.Halted,
		LastError: st.LastError,
	}
	if !st.LastRun.IsZero() {
		js.LastRun = &APITime{st.LastRun}
	}
	return js
}

// apiJobs is the handler for the '/jobs' API request.
func (s *Server) apiJobs(w http.ResponseWriter, _ *http.Request) {
	stats := s.jobs.Status()
	states := make([]*JobState, 0, len(stats))
	for _, st := range stats {
		states = append(states, jobState(st))
	}
	writeJSON(w, states)
}

// apiTrigger is the handler for the '/jobs/{job}/trigger' API request. It
// runs one tick of the job and reports its outcome.
func (s *Server) apiTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, jobKey)
	err := s.jobs.Trigger(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, "ok")
	case errors.Is(err, cron.ErrUnknownJob):
		http.Error(w, fmt.Sprintf("unknown job %q", name), http.StatusNotFound)
	case errors.Is(err, cron.ErrBusy), errors.Is(err, cron.ErrHalted):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, fmt.Sprintf("job %s failed: %v", name, err), http.StatusInternalServerError)
	}
}
