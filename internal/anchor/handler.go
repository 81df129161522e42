package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"lossguard/pkg/chain"
)

// Server 暴露存证验真 HTTP API，挂载于 /v1/anchor。
type Server struct {
	Ledger chain.Ledger
}

// NewServer 构造存证 HTTP Server。
func NewServer(ledger chain.Ledger) *Server {
	return &Server{Ledger: ledger}
}

// Routes 返回子路由：GET /proof/{seq}、GET /batch/{id}、GET /health。
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/proof/{seq}", s.HandleProof)
	r.Get("/batch/{id}", s.handleBatch)
	r.Get("/health", s.handleHealth)
	return r
}

// ProofResponse 验真数据与服务端重算结果。
type ProofResponse struct {
	*chain.MerkleProof
	Verified bool `json:"verified"`
}

// HandleProof GET 验真：seq 所在批次的 Merkle 路径与重算结果。
func (s *Server) HandleProof(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		http.Error(w, "invalid seq", http.StatusBadRequest)
		return
	}
	proof, err := s.Ledger.GetMerkleProof(r.Context(), seq)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProofResponse{MerkleProof: proof, Verified: chain.VerifyProof(proof)})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.Ledger.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// HealthResponse GET /health。
type HealthResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Ledger.Healthy(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{OK: false})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{OK: true})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, chain.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
