package http

import (
	"log/slog"
	"net/http"
	"strings"

	"farmledger/internal/core"
	"farmledger/internal/ledger"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string    `json:"token"`
	User  core.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !readJSON(w, r, &req) {
		return
	}

	token, user, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

type transactionsResponse struct {
	Transactions []core.Transaction `json:"transactions"`
	Offline      bool               `json:"offline"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, offline, err := s.svc.Transactions(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	writeJSON(w, http.StatusOK, transactionsResponse{Transactions: txs, Offline: offline})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var tx core.Transaction
	if !readJSON(w, r, &tx) {
		return
	}

	created, err := s.svc.AddTransaction(r.Context(), tx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.flushDashboard()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTransaction(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.flushDashboard()
	w.WriteHeader(http.StatusNoContent)
}

type categoriesResponse struct {
	Categories []string `json:"categories"`
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.svc.Categories(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categoriesResponse{Categories: cats})
}

type createCategoryRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req createCategoryRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.svc.AddCategory(r.Context(), req.Name); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type usersResponse struct {
	Users []core.User `json:"users"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Users(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	// never expose stored passwords through the API
	for i := range users {
		users[i].Password = ""
	}
	writeJSON(w, http.StatusOK, usersResponse{Users: users})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u core.User
	if !readJSON(w, r, &u) {
		return
	}
	if err := s.svc.AddUser(r.Context(), u); err != nil {
		writeServiceError(w, r, err)
		return
	}
	u.Password = ""
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := ""
	if claims := claimsFrom(r.Context()); claims != nil {
		actor = claims.Username
	}
	if err := s.svc.DeleteUser(r.Context(), r.PathValue("username"), actor); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type summaryResponse struct {
	Income  int64 `json:"income"`
	Expense int64 `json:"expense"`
	Profit  int64 `json:"profit"`
	Offline bool  `json:"offline"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.summaryCache.Get("summary"); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	sum, offline, err := s.svc.Summary(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := summaryResponse{Income: sum.Income, Expense: sum.Expense, Profit: sum.Profit, Offline: offline}
	s.summaryCache.Set("summary", resp)
	writeJSON(w, http.StatusOK, resp)
}

type monthlyResponse struct {
	Months  []core.MonthlyTotal `json:"months"`
	Offline bool                `json:"offline"`
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.monthlyCache.Get("monthly"); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	months, offline, err := s.svc.MonthlySeries(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if months == nil {
		months = []core.MonthlyTotal{}
	}
	resp := monthlyResponse{Months: months, Offline: offline}
	s.monthlyCache.Set("monthly", resp)
	writeJSON(w, http.StatusOK, resp)
}

type advisorRequest struct {
	Question string `json:"question"`
}

type advisorResponse struct {
	Answer  string `json:"answer"`
	Offline bool   `json:"offline"`
}

// handleAdvisor feeds the live ledger to the model service and returns its
// analysis. A failing model call degrades to a warning status, never a crash.
func (s *Server) handleAdvisor(w http.ResponseWriter, r *http.Request) {
	if s.advisor == nil {
		writeError(w, http.StatusServiceUnavailable, "advisor is not configured")
		return
	}
	var req advisorRequest
	if !readJSON(w, r, &req) {
		return
	}

	txs, offline, err := s.svc.Transactions(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	answer, err := s.advisor.Analyze(r.Context(), txs, req.Question)
	if err != nil {
		slog.WarnContext(r.Context(), "Advisor request failed", "error", err)
		writeError(w, http.StatusBadGateway, "advisor unavailable, try again later")
		return
	}
	writeJSON(w, http.StatusOK, advisorResponse{Answer: answer, Offline: offline})
}

type archivesResponse struct {
	Batches []string `json:"batches"`
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.ArchivedBatches(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if batches == nil {
		batches = []string{}
	}
	writeJSON(w, http.StatusOK, archivesResponse{Batches: batches})
}

func (s *Server) handleArchiveTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.svc.ArchivedTransactions(r.Context(), r.PathValue("batch"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	writeJSON(w, http.StatusOK, transactionsResponse{Transactions: txs})
}

type closeLedgerRequest struct {
	BatchName string `json:"batchName"`
}

type closeLedgerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleCloseLedger(w http.ResponseWriter, r *http.Request) {
	var req closeLedgerRequest
	if !readJSON(w, r, &req) {
		return
	}

	res, err := s.svc.CloseLedger(r.Context(), strings.TrimSpace(req.BatchName))
	if err != nil {
		// the backend itself can reject a close (its own duplicate or
		// empty-ledger check); that is a logical failure, not an outage
		if res.Status == ledger.StatusError {
			writeJSON(w, http.StatusUnprocessableEntity, closeLedgerResponse{Status: res.Status, Message: res.Message})
			return
		}
		writeServiceError(w, r, err)
		return
	}
	s.flushDashboard()
	writeJSON(w, http.StatusOK, closeLedgerResponse{Status: res.Status, Message: res.Message})
}

func (s *Server) flushDashboard() {
	s.summaryCache.Flush()
	s.monthlyCache.Flush()
}
