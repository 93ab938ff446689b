package handlers

import (
	"net/http"
	"strconv"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/loyalty"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *loyalty.Service
}

func RegisterRoutes(r *gin.Engine, svc *loyalty.Service, jwtSecret string) {
	h := &Handler{svc: svc}
	g := r.Group("/", Actor(jwtSecret))

	g.POST("/accounts", h.registerAccount)
	g.GET("/accounts", h.findAccount)
	g.GET("/accounts/:id", h.getAccount)
	g.GET("/accounts/:id/events", h.listEvents)
	g.POST("/accounts/:id/purchases", h.recordPurchase)
	g.POST("/accounts/:id/purchases/revoke", h.revokePurchase)
	g.GET("/accounts/:id/rewards", h.listRewards)
	g.POST("/accounts/:id/rewards/claim", h.claimReward)
	g.POST("/accounts/:id/redemption-requests", h.requestRedemption)

	g.GET("/redemption-requests", h.listRequests)
	g.GET("/redemption-requests/:id", h.getRequest)
	g.POST("/redemption-requests/:id/approve", h.approveRequest)
	g.POST("/redemption-requests/:id/reject", h.rejectRequest)

	g.POST("/reconcile", h.reconcile)
	g.GET("/admins", h.listAdmins)
	g.POST("/admins", h.grantAdmin)
	g.DELETE("/admins/:actorId", h.revokeAdmin)
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindInvalidArgument:  http.StatusBadRequest,
	apperr.KindUnauthorized:     http.StatusForbidden,
	apperr.KindNotFound:         http.StatusNotFound,
	apperr.KindInvalidState:     http.StatusConflict,
	apperr.KindNotPending:       http.StatusConflict,
	apperr.KindDuplicatePending: http.StatusConflict,
	apperr.KindNoUnusedToken:    http.StatusConflict,
	apperr.KindApprovalRequired: http.StatusConflict,
	apperr.KindConflict:         http.StatusConflict,
	apperr.KindThrottled:        http.StatusTooManyRequests,
}

func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": kind})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.KindInvalidArgument})
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id " + strconv.Quote(c.Param("id")), "code": apperr.KindInvalidArgument})
		return 0, false
	}
	return uint(id), true
}

type registerReq struct {
	ExternalID string `json:"external_id" binding:"required"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
}

func (h *Handler) registerAccount(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acct, err := h.svc.RegisterAccount(c.Request.Context(), req.ExternalID, req.Name, req.Phone)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

// findAccount looks an account up by external_id, or by phone_suffix for
// staff at the counter.
func (h *Handler) findAccount(c *gin.Context) {
	var (
		st  *loyalty.State
		err error
	)
	ext, suffix := c.Query("external_id"), c.Query("phone_suffix")
	switch {
	case ext != "":
		st, err = h.svc.GetAccountStateByExternalID(c.Request.Context(), ext)
	case suffix != "":
		st, err = h.svc.FindByPhoneSuffix(c.Request.Context(), actorID(c), suffix)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "external_id or phone_suffix is required", "code": apperr.KindInvalidArgument})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) getAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	st, err := h.svc.GetAccountState(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type eventsQuery struct {
	Cursor uint `form:"cursor"`
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (h *Handler) listEvents(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var q eventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	events, next, err := h.svc.ListEvents(c.Request.Context(), id, q.Cursor, q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_cursor": next})
}

type purchaseReq struct {
	Kind   models.EventKind `json:"kind"`
	Origin models.Origin    `json:"origin"`
}

func (h *Handler) recordPurchase(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req purchaseReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Kind == "" {
		req.Kind = models.KindRegularPurchase
	}
	if req.Origin == "" {
		req.Origin = models.OriginUserScan
	}
	out, err := h.svc.RecordPurchase(c.Request.Context(), loyalty.PurchaseInput{
		AccountID: id,
		Kind:      req.Kind,
		Origin:    req.Origin,
		ActorID:   actorID(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

type revokeReq struct {
	Kind   models.EventKind `json:"kind"`
	Reason string           `json:"reason"`
}

func (h *Handler) revokePurchase(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req revokeReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	out, err := h.svc.RevokePurchase(c.Request.Context(), loyalty.RevokeInput{
		AccountID: id,
		Kind:      req.Kind,
		ActorID:   actorID(c),
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) listRewards(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tokens, err := h.svc.ListRewards(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (h *Handler) claimReward(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	out, err := h.svc.ClaimReward(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) requestRedemption(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req, err := h.svc.RequestRedemption(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) listRequests(c *gin.Context) {
	reqs, err := h.svc.ListRedemptionRequests(c.Request.Context(), actorID(c), models.RequestState(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func (h *Handler) getRequest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req, err := h.svc.GetRedemptionRequest(c.Request.Context(), actorID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) approveRequest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req, err := h.svc.ApproveRedemption(c.Request.Context(), id, actorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) rejectRequest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req, err := h.svc.RejectRedemption(c.Request.Context(), id, actorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type reconcileReq struct {
	AccountIDs []uint `json:"account_ids"`
	DryRun     bool   `json:"dry_run"`
}

func (h *Handler) reconcile(c *gin.Context) {
	var req reconcileReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	rep, err := h.svc.Reconcile(c.Request.Context(), actorID(c), req.AccountIDs, req.DryRun)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type grantReq struct {
	ActorID string `json:"actor_id" binding:"required"`
}

func (h *Handler) listAdmins(c *gin.Context) {
	admins, err := h.svc.ListAdmins(c.Request.Context(), actorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, admins)
}

func (h *Handler) grantAdmin(c *gin.Context) {
	var req grantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, err := h.svc.GrantAdmin(c.Request.Context(), actorID(c), req.ActorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) revokeAdmin(c *gin.Context) {
	if err := h.svc.RevokeAdmin(c.Request.Context(), actorID(c), c.Param("actorId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
