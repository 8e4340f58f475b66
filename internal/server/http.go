package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/query"
)

// Server exposes the HTTP/JSON API: command injection for interactive
// clients and read-only queries against the projection tables. Commands
// are accepted asynchronously; the response carries the generated event id
// and clients observe the outcome through the query endpoints.
type Server struct {
	commands *ingestion.CommandService
	queries  *query.QueryService
	health   *observability.HealthChecker
	log      zerolog.Logger

	router http.Handler
}

func New(
	commands *ingestion.CommandService,
	queries *query.QueryService,
	health *observability.HealthChecker,
) *Server {
	s := &Server{
		commands: commands,
		queries:  queries,
		health:   health,
		log:      observability.NewLogger("http"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/deposits", s.postDeposit)
		api.Post("/withdrawals", s.postWithdrawal)
		api.Post("/offers", s.postOffer)
		api.Post("/agreements/{id}/accept", s.postAccept)
		api.Post("/agreements/{id}/complete", s.postComplete)
		api.Post("/agreements/{id}/cancel", s.postCancel)
		api.Post("/agreements/{id}/extend", s.postExtend)
		api.Post("/grants", s.postGrant)

		api.Get("/balances/{user}", s.getBalance)
		api.Get("/agreements/{id}", s.getAgreement)
		api.Get("/users/{user}/agreements", s.listAgreements)
		api.Get("/users/{user}/settlements", s.getSettlements)
		api.Get("/users/{user}/referral", s.getReferral)
		api.Get("/users/{user}/journal", s.getJournalHistory)

		api.Get("/admin/integrity", s.getIntegrity)
	})

	return r
}

// --- command handlers ---

type depositRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (s *Server) postDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	id, err := s.commands.InjectDeposit(r.Context(), userID, req.Asset, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAccepted(w, "deposit_id", id.String())
}

func (s *Server) postWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	id, err := s.commands.InjectWithdrawal(r.Context(), userID, req.Asset, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAccepted(w, "withdrawal_id", id.String())
}

type offerRequest struct {
	Sender           string   `json:"sender"`
	Recipient        string   `json:"recipient,omitempty"`
	Asset            string   `json:"asset"`
	Amount           int64    `json:"amount"`
	SenderDeposit    int64    `json:"sender_deposit"`
	RecipientDeposit int64    `json:"recipient_deposit"`
	Quantity         int64    `json:"quantity"`
	Style            int32    `json:"style"`
	Tags             []string `json:"tags,omitempty"`
	DeadlineUs       int64    `json:"deadline_us"`
}

func (s *Server) postOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sender, err := uuid.Parse(req.Sender)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sender")
		return
	}
	recipient := uuid.Nil
	if req.Recipient != "" {
		recipient, err = uuid.Parse(req.Recipient)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid recipient")
			return
		}
	}
	if req.DeadlineUs <= 0 {
		writeError(w, http.StatusBadRequest, "deadline_us must be positive")
		return
	}

	id, err := s.commands.InjectOffer(r.Context(), ingestion.OfferParams{
		Sender:           sender,
		Recipient:        recipient,
		Asset:            req.Asset,
		Amount:           req.Amount,
		SenderDeposit:    req.SenderDeposit,
		RecipientDeposit: req.RecipientDeposit,
		Quantity:         req.Quantity,
		Style:            req.Style,
		Tags:             req.Tags,
		Deadline:         time.UnixMicro(req.DeadlineUs),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAccepted(w, "offer_id", id.String())
}

type acceptRequest struct {
	Actor      string `json:"actor"`
	Party      string `json:"party,omitempty"`
	Quantity   int64  `json:"quantity,omitempty"`
	FinalOffer bool   `json:"final_offer,omitempty"`
	Affiliate  string `json:"affiliate,omitempty"`
}

func (s *Server) postAccept(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "id")

	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid actor")
		return
	}
	party := uuid.Nil
	if req.Party != "" {
		party, err = uuid.Parse(req.Party)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid party")
			return
		}
	}

	affiliate := uuid.Nil
	if req.Affiliate != "" {
		affiliate, err = uuid.Parse(req.Affiliate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid affiliate")
			return
		}
	}

	id, err := s.commands.InjectAccept(r.Context(), agreementID, actor, party, affiliate, req.Quantity, req.FinalOffer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAccepted(w, "accept_id", id.String())
}

type completeRequest struct {
	Actor     string `json:"actor"`
	Party     string `json:"party"`
	Affiliate string `json:"affiliate,omitempty"`
}

func (s *Server) postComplete(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "id")

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid actor")
		return
	}
	party, err := uuid.Parse(req.Party)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid party")
		return
	}
	affiliate := uuid.Nil
	if req.Affiliate != "" {
		affiliate, err = uuid.Parse(req.Affiliate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid affiliate")
			return
		}
	}

	id, err := s.commands.InjectCompletion(r.Context(), agreementID, actor, party, affiliate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAccepted(w, "signal_id", id.String())
}

type cancelRequest struct {
	Actor string `json:"actor"`
	Party string `json:"party,omitempty"`
}

func (s *Server) postCancel(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "id")

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid actor")
		return
	}
	party := uuid.Nil
	if req.Party != "" {
		party, err = uuid.Parse(req.Party)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid party")
			return
		}
	}

	id, err := s.commands.InjectCancel(r.Context(), agreementID, actor, party)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAccepted(w, "cancel_id", id.String())
}

type extendRequest struct {
	Actor         string `json:"actor"`
	NewDeadlineUs int64  `json:"new_deadline_us"`
}

func (s *Server) postExtend(w http.ResponseWriter, r *http.Request) {
	agreementID := chi.URLParam(r, "id")

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid actor")
		return
	}
	if req.NewDeadlineUs <= 0 {
		writeError(w, http.StatusBadRequest, "new_deadline_us must be positive")
		return
	}

	id, err := s.commands.InjectExtend(r.Context(), agreementID, actor, time.UnixMicro(req.NewDeadlineUs))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAccepted(w, "extend_id", id.String())
}

type grantRequest struct {
	Grantor string `json:"grantor"`
	Grantee string `json:"grantee,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

func (s *Server) postGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	grantor, err := uuid.Parse(req.Grantor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid grantor")
		return
	}
	grantee := uuid.Nil
	if req.Grantee != "" {
		grantee, err = uuid.Parse(req.Grantee)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid grantee")
			return
		}
	}

	id, err := s.commands.InjectGrant(r.Context(), grantor, grantee, req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeAccepted(w, "grant_id", id.String())
}

// --- query handlers ---

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = "USDT"
	}

	resp, err := s.queries.GetBalance(r.Context(), userID, asset)
	if err != nil {
		s.log.Error().Err(err).Msg("balance query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getAgreement(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queries.GetAgreement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error().Err(err).Msg("agreement query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if resp == nil {
		writeError(w, http.StatusNotFound, "agreement not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listAgreements(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var status *int32
	if v := r.URL.Query().Get("status"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		st := int32(n)
		status = &st
	}

	resp, err := s.queries.ListAgreements(r.Context(), userID, status, parseLimit(r), parseAfter(r))
	if err != nil {
		s.log.Error().Err(err).Msg("agreement list query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agreements": resp})
}

func (s *Server) getSettlements(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	resp, err := s.queries.GetSettlements(r.Context(), userID, parseLimit(r), parseAfter(r))
	if err != nil {
		s.log.Error().Err(err).Msg("settlement query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": resp})
}

func (s *Server) getReferral(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	resp, err := s.queries.GetReferral(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Msg("referral query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getJournalHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	resp, err := s.queries.GetJournalHistory(r.Context(), userID, parseLimit(r), parseAfter(r))
	if err != nil {
		s.log.Error().Err(err).Msg("journal query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": resp})
}

func (s *Server) getIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("integrity check failed")
		writeError(w, http.StatusInternalServerError, "integrity check failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func parseLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}

func parseAfter(r *http.Request) *int64 {
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAccepted(w http.ResponseWriter, idField, id string) {
	writeJSON(w, http.StatusAccepted, map[string]string{idField: id, "status": "accepted"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
