package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/welloex/otc-core/common/errors"
	"github.com/welloex/otc-core/internal/otc/matching"
	"github.com/welloex/otc-core/internal/otc/model"
	"github.com/welloex/otc-core/internal/otc/orderbook"
)

// respondError renders the core error taxonomy as a problem payload.
func respondError(c *gin.Context, err error) {
	e := errors.AsError(err)
	c.JSON(e.HTTPStatus(), e.ToProblem())
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid %s: %v", param, err))
		return uuid.Nil, false
	}
	return id, true
}

type submitOrderRequest struct {
	Side           string   `json:"side" binding:"required,oneof=buy sell"`
	Instrument     string   `json:"instrument" binding:"required"`
	Price          string   `json:"price" binding:"required,amount"`
	Quantity       string   `json:"quantity" binding:"required,amount"`
	MinFill        string   `json:"min_fill"`
	MaxFill        string   `json:"max_fill"`
	OwnerID        string   `json:"owner_id" binding:"required,uuid"`
	PaymentMethods []string `json:"payment_methods" binding:"dive,oneof=bank_transfer wise sepa swift revolut paypal wire_transfer"`
}

func parseAmount(field, raw string, required bool) (decimal.Decimal, error) {
	if raw == "" {
		if required {
			return decimal.Zero, errors.Validation(errors.CodeInvalidOrder, "%s is required", field)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Validation(errors.CodeInvalidOrder, "invalid %s: %v", field, err)
	}
	return d, nil
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid request: %v", err))
		return
	}
	price, err := parseAmount("price", req.Price, true)
	if err != nil {
		respondError(c, err)
		return
	}
	quantity, err := parseAmount("quantity", req.Quantity, true)
	if err != nil {
		respondError(c, err)
		return
	}
	minFill, err := parseAmount("min_fill", req.MinFill, false)
	if err != nil {
		respondError(c, err)
		return
	}
	maxFill, err := parseAmount("max_fill", req.MaxFill, false)
	if err != nil {
		respondError(c, err)
		return
	}
	ownerID, _ := uuid.Parse(req.OwnerID)

	methods := make([]model.PaymentMethod, 0, len(req.PaymentMethods))
	for _, m := range req.PaymentMethods {
		methods = append(methods, model.PaymentMethod(m))
	}

	order := &model.Order{
		Side:           model.Side(req.Side),
		Instrument:     req.Instrument,
		Price:          price,
		Quantity:       quantity,
		MinFill:        minFill,
		MaxFill:        maxFill,
		OwnerID:        ownerID,
		PaymentMethods: methods,
	}
	id, err := s.book.Submit(c.Request.Context(), order)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_id": id})
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}
	requesterID, err := uuid.Parse(c.Query("requester_id"))
	if err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid requester_id: %v", err))
		return
	}
	if err := s.book.Cancel(c.Request.Context(), orderID, requesterID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": orderID})
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}
	order, err := s.book.Get(orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) depth(c *gin.Context) {
	instrument := c.Param("instrument")
	key := "depth:" + instrument
	var cached orderbook.Depth
	if s.cache.GetJSON(c.Request.Context(), key, &cached) {
		c.JSON(http.StatusOK, cached)
		return
	}
	d := s.book.Depth(instrument)
	s.cache.SetJSON(c.Request.Context(), key, d)
	c.JSON(http.StatusOK, d)
}

func (s *Server) best(c *gin.Context) {
	instrument := c.Param("instrument")
	resp := gin.H{}
	if bid, ok := s.book.BestBid(instrument); ok {
		resp["best_bid"] = bid
	}
	if ask, ok := s.book.BestAsk(instrument); ok {
		resp["best_ask"] = ask
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) pricing(c *gin.Context) {
	suggestion, err := s.engine.SuggestPricing(c.Request.Context(), c.Param("instrument"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, suggestion)
}

type matchRequest struct {
	TakerID        string   `json:"taker_id" binding:"required,uuid"`
	Instrument     string   `json:"instrument" binding:"required"`
	Side           string   `json:"side" binding:"required,oneof=buy sell"`
	Quantity       string   `json:"quantity" binding:"required,amount"`
	LimitPrice     string   `json:"limit_price"`
	PaymentMethods []string `json:"payment_methods"`

	PrioritizeSpeed     bool     `json:"prioritize_speed"`
	PreferredVolumeMin  string   `json:"preferred_volume_min"`
	PreferredVolumeMax  string   `json:"preferred_volume_max"`
	FavoriteParties     []string `json:"favorite_parties" binding:"dive,uuid"`
	MinCounterpartyTier string   `json:"min_counterparty_tier" binding:"omitempty,oneof=newcomer regular trusted elite"`
}

func (r *matchRequest) toIntent() (matching.TakerIntent, matching.Preferences, error) {
	quantity, err := parseAmount("quantity", r.Quantity, true)
	if err != nil {
		return matching.TakerIntent{}, matching.Preferences{}, err
	}
	limit, err := parseAmount("limit_price", r.LimitPrice, false)
	if err != nil {
		return matching.TakerIntent{}, matching.Preferences{}, err
	}
	volMin, err := parseAmount("preferred_volume_min", r.PreferredVolumeMin, false)
	if err != nil {
		return matching.TakerIntent{}, matching.Preferences{}, err
	}
	volMax, err := parseAmount("preferred_volume_max", r.PreferredVolumeMax, false)
	if err != nil {
		return matching.TakerIntent{}, matching.Preferences{}, err
	}
	takerID, _ := uuid.Parse(r.TakerID)

	methods := make([]model.PaymentMethod, 0, len(r.PaymentMethods))
	for _, m := range r.PaymentMethods {
		methods = append(methods, model.PaymentMethod(m))
	}
	favorites := make([]uuid.UUID, 0, len(r.FavoriteParties))
	for _, f := range r.FavoriteParties {
		id, _ := uuid.Parse(f)
		favorites = append(favorites, id)
	}

	intent := matching.TakerIntent{
		TakerID:        takerID,
		Instrument:     r.Instrument,
		Side:           model.Side(r.Side),
		Quantity:       quantity,
		LimitPrice:     limit,
		PaymentMethods: methods,
	}
	prefs := matching.Preferences{
		PrioritizeSpeed:     r.PrioritizeSpeed,
		PreferredVolumeMin:  volMin,
		PreferredVolumeMax:  volMax,
		FavoriteParties:     favorites,
		MinCounterpartyTier: model.Level(r.MinCounterpartyTier),
	}
	return intent, prefs, nil
}

func (s *Server) recommend(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid request: %v", err))
		return
	}
	intent, prefs, err := req.toIntent()
	if err != nil {
		respondError(c, err)
		return
	}
	recs, err := s.engine.Recommend(c.Request.Context(), intent, prefs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}

func (s *Server) autoMatch(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid request: %v", err))
		return
	}
	intent, _, err := req.toIntent()
	if err != nil {
		respondError(c, err)
		return
	}
	trade, err := s.engine.AutoMatch(c.Request.Context(), intent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trade)
}

func (s *Server) getTrade(c *gin.Context) {
	tradeID, ok := parseID(c, "id")
	if !ok {
		return
	}
	trade, err := s.escrow.Get(c.Request.Context(), tradeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

type actorRequest struct {
	ActorID string `json:"actor_id" binding:"required,uuid"`
}

func (s *Server) fiatSent(c *gin.Context) {
	tradeID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid request: %v", err))
		return
	}
	actorID, _ := uuid.Parse(req.ActorID)
	if err := s.escrow.MarkFiatSent(c.Request.Context(), tradeID, actorID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": model.EscrowConfirming})
}

func (s *Server) confirmReceipt(c *gin.Context) {
	tradeID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid request: %v", err))
		return
	}
	actorID, _ := uuid.Parse(req.ActorID)
	if err := s.escrow.ConfirmFiatReceived(c.Request.Context(), tradeID, actorID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": model.EscrowReleased})
}

type openDisputeRequest struct {
	TradeID     string   `json:"trade_id" binding:"required,uuid"`
	InitiatorID string   `json:"initiator_id" binding:"required,uuid"`
	Arbitrators []string `json:"arbitrators" binding:"required,min=3,max=5,dive,uuid"`
}

func (s *Server) openDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid request: %v", err))
		return
	}
	tradeID, _ := uuid.Parse(req.TradeID)
	initiatorID, _ := uuid.Parse(req.InitiatorID)
	arbitrators := make([]uuid.UUID, 0, len(req.Arbitrators))
	for _, a := range req.Arbitrators {
		id, _ := uuid.Parse(a)
		arbitrators = append(arbitrators, id)
	}
	disputeID, err := s.arb.OpenDispute(c.Request.Context(), tradeID, initiatorID, arbitrators)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute_id": disputeID})
}

func (s *Server) getDispute(c *gin.Context) {
	disputeID, ok := parseID(c, "id")
	if !ok {
		return
	}
	dispute, err := s.arb.Get(disputeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

type evidenceRequest struct {
	PartyID     string `json:"party_id" binding:"required,uuid"`
	Kind        string `json:"kind" binding:"required"`
	Description string `json:"description" binding:"required"`
}

func (s *Server) submitEvidence(c *gin.Context) {
	disputeID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid request: %v", err))
		return
	}
	partyID, _ := uuid.Parse(req.PartyID)
	if err := s.arb.SubmitEvidence(c.Request.Context(), disputeID, partyID, req.Kind, req.Description); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

type voteRequest struct {
	ArbitratorID string `json:"arbitrator_id" binding:"required,uuid"`
	Decision     string `json:"decision" binding:"required,oneof=release refund"`
}

func (s *Server) castVote(c *gin.Context) {
	disputeID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Validation(errors.CodeInvalidOrder, "invalid request: %v", err))
		return
	}
	arbitratorID, _ := uuid.Parse(req.ArbitratorID)
	if err := s.arb.CastVote(c.Request.Context(), disputeID, arbitratorID, model.DisputeDecision(req.Decision)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

type reputationResponse struct {
	Counterparty model.Counterparty `json:"counterparty"`
	Breakdown    interface{}        `json:"breakdown"`
}

func (s *Server) reputationSnapshot(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	key := "reputation:" + id.String()
	var cached reputationResponse
	if s.cache.GetJSON(c.Request.Context(), key, &cached) {
		c.JSON(http.StatusOK, cached)
		return
	}
	resp := reputationResponse{
		Counterparty: s.ledger.Snapshot(id),
		Breakdown:    s.ledger.BreakdownFor(id),
	}
	s.cache.SetJSON(c.Request.Context(), key, resp)
	c.JSON(http.StatusOK, resp)
}
