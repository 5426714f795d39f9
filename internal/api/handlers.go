package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"duel/internal/match"
	"duel/internal/oracle"
)

type CreateMatchRequest struct {
	CreatorWallet   string `json:"creator_wallet"`
	DurationSeconds int    `json:"duration_seconds"`
}

type JoinMatchRequest struct {
	InviteCode     string `json:"invite_code"`
	OpponentWallet string `json:"opponent_wallet"`
}

type SelectAssetRequest struct {
	Wallet string `json:"wallet"`
	Symbol string `json:"symbol"`
}

// StartMatchRequest without prices starts at the oracle's latest prices
type StartMatchRequest struct {
	CreatorStartPrice  *decimal.Decimal `json:"creator_start_price"`
	OpponentStartPrice *decimal.Decimal `json:"opponent_start_price"`
	ExpectedVersion    int64            `json:"expected_version"`
}

// FinishMatchRequest without prices finishes at the oracle's latest prices
type FinishMatchRequest struct {
	CreatorEndPrice  *decimal.Decimal `json:"creator_end_price"`
	OpponentEndPrice *decimal.Decimal `json:"opponent_end_price"`
}

type CancelMatchRequest struct {
	Wallet string `json:"wallet"`
}

// MatchResponse is a match plus fields derived at read time
type MatchResponse struct {
	*match.Match
	Expired           bool             `json:"expired"`
	RemainingSeconds  int64            `json:"remaining_seconds"`
	CreatorChangePct  *decimal.Decimal `json:"creator_change_pct,omitempty"`
	OpponentChangePct *decimal.Decimal `json:"opponent_change_pct,omitempty"`
}

// view derives the read-time fields. For a running match the change is
// measured against the oracle's latest price.
func (s *Server) view(m *match.Match) MatchResponse {
	now := s.now()
	resp := MatchResponse{
		Match:            m,
		Expired:          m.Status == match.StatusInProgress && m.Expired(now),
		RemainingSeconds: int64(m.Remaining(now).Round(time.Second) / time.Second),
	}

	if c, ok := m.CreatorChange(); ok {
		resp.CreatorChangePct = &c
	} else if m.Status == match.StatusInProgress && m.CreatorStartPrice.Valid {
		resp.CreatorChangePct = s.liveChange(m.CreatorAsset, m.CreatorStartPrice.Decimal)
	}
	if c, ok := m.OpponentChange(); ok {
		resp.OpponentChangePct = &c
	} else if m.Status == match.StatusInProgress && m.OpponentStartPrice.Valid {
		resp.OpponentChangePct = s.liveChange(m.OpponentAsset, m.OpponentStartPrice.Decimal)
	}
	return resp
}

func (s *Server) liveChange(symbol string, start decimal.Decimal) *decimal.Decimal {
	if s.prices == nil {
		return nil
	}
	snap, err := s.prices.Latest(symbol)
	if err != nil {
		return nil
	}
	c := oracle.PercentChange(start, snap.Price)
	return &c
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, m *match.Match, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, s.view(m))
}

func (s *Server) createMatch(w http.ResponseWriter, r *http.Request) {
	var req CreateMatchRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.CreateMatch(r.Context(), match.CreateCommand{
		CreatorWallet:   req.CreatorWallet,
		DurationSeconds: req.DurationSeconds,
	})
	s.respond(w, r, http.StatusCreated, m, err)
}

func (s *Server) joinMatch(w http.ResponseWriter, r *http.Request) {
	var req JoinMatchRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.JoinMatch(r.Context(), match.JoinCommand{
		InviteCode:     req.InviteCode,
		OpponentWallet: req.OpponentWallet,
	})
	s.respond(w, r, http.StatusOK, m, err)
}

func (s *Server) selectAsset(w http.ResponseWriter, r *http.Request) {
	var req SelectAssetRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.SelectAsset(r.Context(), match.SelectAssetCommand{
		MatchID: chi.URLParam(r, "id"),
		Wallet:  req.Wallet,
		Symbol:  req.Symbol,
	})
	s.respond(w, r, http.StatusOK, m, err)
}

func (s *Server) startMatch(w http.ResponseWriter, r *http.Request) {
	var req StartMatchRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")

	if req.CreatorStartPrice == nil && req.OpponentStartPrice == nil {
		m, err := s.engine.StartAtMarket(r.Context(), id)
		s.respond(w, r, http.StatusOK, m, err)
		return
	}
	if req.CreatorStartPrice == nil || req.OpponentStartPrice == nil {
		badRequest(w, "give both start prices or neither")
		return
	}

	m, err := s.engine.StartMatch(r.Context(), match.StartCommand{
		MatchID:            id,
		CreatorStartPrice:  *req.CreatorStartPrice,
		OpponentStartPrice: *req.OpponentStartPrice,
		ExpectedVersion:    req.ExpectedVersion,
	})
	s.respond(w, r, http.StatusOK, m, err)
}

func (s *Server) finishMatch(w http.ResponseWriter, r *http.Request) {
	var req FinishMatchRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")

	if req.CreatorEndPrice == nil && req.OpponentEndPrice == nil {
		m, err := s.engine.FinishAtMarket(r.Context(), id)
		s.respond(w, r, http.StatusOK, m, err)
		return
	}
	if req.CreatorEndPrice == nil || req.OpponentEndPrice == nil {
		badRequest(w, "give both end prices or neither")
		return
	}

	m, err := s.engine.FinishMatch(r.Context(), match.FinishCommand{
		MatchID:          id,
		CreatorEndPrice:  *req.CreatorEndPrice,
		OpponentEndPrice: *req.OpponentEndPrice,
	})
	s.respond(w, r, http.StatusOK, m, err)
}

func (s *Server) cancelMatch(w http.ResponseWriter, r *http.Request) {
	var req CancelMatchRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.CancelMatch(r.Context(), match.CancelCommand{
		MatchID: chi.URLParam(r, "id"),
		Wallet:  req.Wallet,
	})
	s.respond(w, r, http.StatusOK, m, err)
}

func (s *Server) getMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Refresh(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, m, err)
}

func (s *Server) getInvite(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.GetMatchByInviteCode(r.Context(), chi.URLParam(r, "code"))
	s.respond(w, r, http.StatusOK, m, err)
}

func (s *Server) listWalletMatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	matches, err := s.store.ListMatchesByWallet(r.Context(), chi.URLParam(r, "wallet"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]MatchResponse, 0, len(matches))
	for _, m := range matches {
		out = append(out, s.view(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		s.writeError(w, r, match.ErrPriceUnavailable)
		return
	}
	snap, err := s.prices.Latest(chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listPrices(w http.ResponseWriter, r *http.Request) {
	out := []oracle.Snapshot{}
	if s.prices != nil {
		for _, sym := range s.prices.Symbols() {
			if snap, err := s.prices.Latest(sym); err == nil {
				out = append(out, snap)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}
