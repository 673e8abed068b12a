package api

import (
	"errors"
	"net/http"
	"strconv"

	"OutcomePerp/internal/engine"
	"OutcomePerp/internal/funding"
	"OutcomePerp/internal/ledger"
	"OutcomePerp/internal/liquidation"
	"OutcomePerp/internal/persistence"
	"OutcomePerp/internal/pricing"
	"OutcomePerp/internal/risk"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (s *Server) listMarkets(c *gin.Context) {
	ids := s.engine.MarketIDs()
	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		mkt, err := s.engine.Market(id)
		if err != nil {
			continue
		}
		out = append(out, marketJSON(mkt))
	}
	c.JSON(http.StatusOK, gin.H{"markets": out})
}

func (s *Server) getMarket(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	mkt, err := s.engine.Market(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, marketJSON(mkt))
}

func (s *Server) getPrice(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	mark, err := s.engine.MarkPrice(id)
	if err != nil {
		fail(c, err)
		return
	}
	oracle, err := s.engine.OraclePrice(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"market_id":    id,
		"mark_price":   mark,
		"oracle_price": oracle,
		"stale":        s.engine.PriceIsStale(id),
	})
}

func (s *Server) getQuote(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	size, err := strconv.ParseInt(c.Query("size"), 10, 64)
	if err != nil || size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size must be a non-zero integer"})
		return
	}
	price, err := s.engine.QuoteExecution(id, size)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market_id": id, "size": size, "execution_price": price})
}

func (s *Server) getFunding(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	rate, err := s.engine.FundingRate(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market_id": id, "rate_bps": rate})
}

func (s *Server) getPool(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	capital, utilBps, rateAprBps, err := s.engine.PoolState(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"market_id":           id,
		"capital":             capital,
		"utilization_bps":     utilBps,
		"borrow_rate_apr_bps": rateAprBps,
	})
}

func (s *Server) listPositions(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	positions := s.engine.MarketPositions(id)
	out := make([]gin.H, 0, len(positions))
	for _, pos := range positions {
		out = append(out, positionJSON(pos))
	}
	c.JSON(http.StatusOK, gin.H{"market_id": id, "positions": out})
}

func (s *Server) listLiquidatable(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	owners, err := s.engine.ScanLiquidatable(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market_id": id, "owners": owners})
}

func (s *Server) getPosition(c *gin.Context) {
	owner, id, ok := positionKey(c)
	if !ok {
		return
	}
	pos, found := s.engine.Position(owner, id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	equity, err := s.engine.Equity(owner, id)
	if err != nil {
		fail(c, err)
		return
	}
	body := positionJSON(pos)
	body["equity"] = equity
	c.JSON(http.StatusOK, body)
}

type openRequest struct {
	SizeDelta       int64 `json:"size_delta" binding:"required"`
	CollateralDelta int64 `json:"collateral_delta"`
	MinPrice        int64 `json:"min_price"`
	MaxPrice        int64 `json:"max_price"`
}

func (s *Server) openPosition(c *gin.Context) {
	owner, id, ok := positionKey(c)
	if !ok {
		return
	}
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt, err := s.engine.OpenPosition(owner, id, req.SizeDelta, req.CollateralDelta, req.MinPrice, req.MaxPrice)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, receiptJSON(receipt))
}

type closeRequest struct {
	// FractionBps of 10_000; 0 or 10_000 closes in full.
	FractionBps int64 `json:"fraction_bps"`
	MinPrice    int64 `json:"min_price"`
	MaxPrice    int64 `json:"max_price"`
}

func (s *Server) closePosition(c *gin.Context) {
	owner, id, ok := positionKey(c)
	if !ok {
		return
	}
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var receipt ledger.TradeReceipt
	var err error
	if req.FractionBps == 0 || req.FractionBps == 10_000 {
		receipt, err = s.engine.ClosePosition(owner, id, req.MinPrice, req.MaxPrice)
	} else {
		receipt, err = s.engine.ClosePartial(owner, id, req.FractionBps, req.MinPrice, req.MaxPrice)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, receiptJSON(receipt))
}

type collateralRequest struct {
	// Amount to move; positive deposits, negative withdraws.
	Amount int64 `json:"amount" binding:"required"`
}

func (s *Server) moveCollateral(c *gin.Context) {
	owner, id, ok := positionKey(c)
	if !ok {
		return
	}
	var req collateralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var pos ledger.Position
	var err error
	if req.Amount > 0 {
		pos, err = s.engine.DepositCollateral(owner, id, req.Amount)
	} else {
		pos, err = s.engine.WithdrawCollateral(owner, id, -req.Amount)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, positionJSON(pos))
}

type liquidateRequest struct {
	Liquidator  uuid.UUID `json:"liquidator" binding:"required"`
	FractionBps int64     `json:"fraction_bps"`
}

func (s *Server) liquidate(c *gin.Context) {
	owner, id, ok := positionKey(c)
	if !ok {
		return
	}
	var req liquidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var res liquidation.Result
	var err error
	if req.FractionBps == 0 || req.FractionBps == 10_000 {
		res, err = s.engine.Liquidate(owner, id, req.Liquidator)
	} else {
		res, err = s.engine.LiquidatePartial(owner, id, req.Liquidator, req.FractionBps)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listRecords(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "record history disabled"})
		return
	}

	var q persistence.RecordQuery
	if v := c.Query("market_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad market_id"})
			return
		}
		q.MarketID = id
	}
	if v := c.Query("owner"); v != "" {
		owner, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad owner"})
			return
		}
		q.Owner = &owner
	}
	q.Kind = c.Query("kind")
	if v := c.Query("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad after"})
			return
		}
		q.AfterSequence = after
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad limit"})
			return
		}
		q.Limit = limit
	}

	records, err := s.records.List(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type createMarketRequest struct {
	OracleRef string         `json:"oracle_ref" binding:"required"`
	MaxOI     int64          `json:"max_oi" binding:"required"`
	Pricing   pricing.Config `json:"pricing" binding:"required"`
	Risk      risk.Params    `json:"risk" binding:"required"`
	Funding   funding.Config `json:"funding" binding:"required"`
	LPCapital int64          `json:"lp_capital"`
}

func (s *Server) createMarket(c *gin.Context) {
	var req createMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.engine.CreateMarket(engine.MarketSpec{
		OracleRef: req.OracleRef,
		MaxOI:     req.MaxOI,
		Pricing:   req.Pricing,
		Risk:      req.Risk,
		Funding:   req.Funding,
		LPCapital: req.LPCapital,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"market_id": id})
}

type configureMarketRequest struct {
	Pricing   *pricing.Config `json:"pricing"`
	Risk      *risk.Params    `json:"risk"`
	Funding   *funding.Config `json:"funding"`
	LPCapital *int64          `json:"lp_capital"`
}

func (s *Server) configureMarket(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	var req configureMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.engine.ConfigureMarket(id, engine.MarketConfig{
		Pricing:   req.Pricing,
		Risk:      req.Risk,
		Funding:   req.Funding,
		LPCapital: req.LPCapital,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market_id": id})
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *Server) setMarketActive(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SetMarketActive(id, *req.Active); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market_id": id, "active": *req.Active})
}

type forcePriceRequest struct {
	Price int64 `json:"price" binding:"required"`
}

func (s *Server) forcePrice(c *gin.Context) {
	id, ok := marketID(c)
	if !ok {
		return
	}
	var req forcePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.ForcePrice(id, req.Price); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market_id": id, "price": req.Price})
}

func marketID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad market id"})
		return 0, false
	}
	return id, true
}

func positionKey(c *gin.Context) (uuid.UUID, uint64, bool) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad owner"})
		return uuid.Nil, 0, false
	}
	id, ok := marketID(c)
	return owner, id, ok
}

func marketJSON(mkt ledger.Market) gin.H {
	return gin.H{
		"id":                  mkt.ID,
		"oracle_ref":          mkt.OracleRef,
		"total_long_oi":       mkt.TotalLongOI,
		"total_short_oi":      mkt.TotalShortOI,
		"max_oi":              mkt.MaxOI,
		"funding_index_long":  mkt.FundingIndexLong,
		"funding_index_short": mkt.FundingIndexShort,
		"borrow_index":        mkt.BorrowIndex,
		"active":              mkt.Active,
	}
}

func positionJSON(pos ledger.Position) gin.H {
	return gin.H{
		"owner":       pos.Owner,
		"market_id":   pos.MarketID,
		"size":        pos.Size,
		"entry_price": pos.EntryPrice,
		"collateral":  pos.Collateral,
		"opened_at":   pos.OpenedAt,
	}
}

func receiptJSON(r ledger.TradeReceipt) gin.H {
	return gin.H{
		"size":                r.Size,
		"entry_price":         r.EntryPrice,
		"collateral":          r.Collateral,
		"realized_pnl":        r.RealizedPnL,
		"funding_paid":        r.FundingPaid,
		"borrow_paid":         r.BorrowPaid,
		"collateral_returned": r.CollateralReturned,
	}
}

// fail maps engine errors to HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrMarketNotConfigured),
		errors.Is(err, ledger.ErrPositionNotFound),
		errors.Is(err, pricing.ErrNotConfigured),
		errors.Is(err, risk.ErrNotConfigured),
		errors.Is(err, funding.ErrNotConfigured):
		status = http.StatusNotFound
	case errors.Is(err, liquidation.ErrNotLiquidatable):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidSize),
		errors.Is(err, ledger.ErrInvalidPrice):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrMarketInactive),
		errors.Is(err, ledger.ErrExceedsMaxOI),
		errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, risk.ErrInsufficientMargin),
		errors.Is(err, pricing.ErrStalePrice),
		errors.Is(err, pricing.ErrPriceDeviationTooHigh),
		errors.Is(err, engine.ErrSlippageExceeded):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
