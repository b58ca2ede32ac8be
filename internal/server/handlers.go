package server

import (
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/bastion/internal/guard"
	"github.com/mbd888/bastion/internal/idgen"
	"github.com/mbd888/bastion/internal/layers"
	"github.com/mbd888/bastion/internal/logging"
)

// -----------------------------------------------------------------------------
// Read surface
// -----------------------------------------------------------------------------

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.guard.Status())
}

func (s *Server) operationsHandler(c *gin.Context) {
	type opInfo struct {
		Operation string `json:"operation"`
		Lifecycle string `json:"lifecycle"`
		Circuit   string `json:"circuit"`
	}

	all := guard.Operations()
	ops := make([]opInfo, 0, len(all))
	for _, op := range all {
		ops = append(ops, opInfo{
			Operation: op.String(),
			Lifecycle: s.guard.MachineState(op).String(),
			Circuit:   s.guard.CircuitState(op).String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"operations": ops,
		"count":      len(ops),
	})
}

func (s *Server) operationHandler(c *gin.Context) {
	op, ok := s.parseOperation(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"operation": op.String(),
		"lifecycle": s.guard.MachineState(op).String(),
		"circuit":   s.guard.CircuitState(op).String(),
	})
}

func (s *Server) operationHistoryHandler(c *gin.Context) {
	op, ok := s.parseOperation(c)
	if !ok {
		return
	}

	limit := parseLimit(c.Query("limit"), 20, 50)
	entries := s.guard.History(op, limit)

	c.JSON(http.StatusOK, gin.H{
		"operation": op.String(),
		"history":   entries,
		"count":     len(entries),
	})
}

func (s *Server) layersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"layers": s.guard.LayerSnapshot(),
		"status": s.guard.Status().Layers,
	})
}

func (s *Server) callerProfileHandler(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))

	profile := s.guard.Profile(addr)
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_caller",
			"message": "No profile recorded for this caller",
		})
		return
	}

	c.JSON(http.StatusOK, profile)
}

func (s *Server) callerAssessmentsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	addr := common.HexToAddress(c.Param("address"))
	limit := parseLimit(c.Query("limit"), 20, 100)

	assessments, err := s.assessments.ListByCaller(ctx, addr.Hex(), limit)
	if err != nil {
		logging.L(ctx).Error("failed to list assessments", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list assessments",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"caller":      addr.Hex(),
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// incidentsHandler lists the persisted audit trail, newest first.
func (s *Server) incidentsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	limit := parseLimit(c.Query("limit"), 20, 100)

	incidents, err := s.incidents.List(ctx, limit)
	if err != nil {
		logging.L(ctx).Error("failed to list incidents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list incidents",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// -----------------------------------------------------------------------------
// Screening surface
// -----------------------------------------------------------------------------

// screenCallRequest describes one call to screen. Selector and data are hex
// encoded (with or without 0x prefix); value is a decimal string.
type screenCallRequest struct {
	Caller    string `json:"caller" binding:"required"`
	Operation string `json:"operation" binding:"required"`
	Selector  string `json:"selector"`
	Value     string `json:"value"`
	Gas       uint64 `json:"gas"`
	Data      string `json:"data"`
}

// screenCallHandler enters the guard for one call. On allow it parks the
// call as in-flight and returns a call ID the caller must complete with
// POST /v1/calls/:id/complete once the operation finishes.
func (s *Server) screenCallHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req screenCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !common.IsHexAddress(req.Caller) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "caller must be a valid address (0x + 40 hex chars)",
		})
		return
	}

	op, ok := guard.ParseOperation(req.Operation)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_operation",
			"message": "operation must be one of the guarded operation names",
		})
		return
	}

	call := &guard.Call{
		Caller:    common.HexToAddress(req.Caller),
		Operation: op,
		Gas:       req.Gas,
	}

	if req.Selector != "" {
		sel, err := hex.DecodeString(strings.TrimPrefix(req.Selector, "0x"))
		if err != nil || len(sel) != 4 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_selector",
				"message": "selector must be 4 hex bytes",
			})
			return
		}
		copy(call.Selector[:], sel)
	}

	if req.Value != "" {
		v, ok := new(big.Int).SetString(req.Value, 10)
		if !ok || v.Sign() < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_value",
				"message": "value must be a non-negative decimal string",
			})
			return
		}
		call.Value = v
	}

	if req.Data != "" {
		data, err := hex.DecodeString(strings.TrimPrefix(req.Data, "0x"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_data",
				"message": "data must be hex encoded",
			})
			return
		}
		call.Data = data
	}

	if err := s.guard.Enter(ctx, call); err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "call_blocked",
			"message": err.Error(),
		})
		return
	}

	id := idgen.WithPrefix("call_")
	s.inflightMu.Lock()
	s.inflight[id] = call
	s.inflightMu.Unlock()

	resp := gin.H{
		"callId":  id,
		"allowed": true,
		"depth":   call.Depth(),
	}
	if a := call.Assessment(); a != nil {
		resp["score"] = a.Score
		resp["recommendation"] = a.Recommendation
	}
	c.JSON(http.StatusOK, resp)
}

type completeCallRequest struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// completeCallHandler exits the guard for an in-flight call, recording the
// operation's outcome.
func (s *Server) completeCallHandler(c *gin.Context) {
	id := c.Param("id")

	var req completeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	s.inflightMu.Lock()
	call, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	s.inflightMu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_call",
			"message": "No in-flight call with this ID",
		})
		return
	}

	var callErr error
	if !req.Success {
		reason := req.Reason
		if reason == "" {
			reason = "operation failed"
		}
		callErr = errors.New(reason)
	}
	s.guard.Exit(c.Request.Context(), call, callErr)

	c.JSON(http.StatusOK, gin.H{
		"callId":    id,
		"completed": true,
		"success":   req.Success,
	})
}

// -----------------------------------------------------------------------------
// Admin surface
// -----------------------------------------------------------------------------

func (s *Server) enableLayerHandler(c *gin.Context) {
	slot, ok := s.parseSlot(c)
	if !ok {
		return
	}
	if err := s.guard.EnableLayer(slot); err != nil {
		s.adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slot": slot.String(), "enabled": true})
}

func (s *Server) disableLayerHandler(c *gin.Context) {
	slot, ok := s.parseSlot(c)
	if !ok {
		return
	}
	if err := s.guard.DisableLayer(slot); err != nil {
		s.adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slot": slot.String(), "enabled": false})
}

func (s *Server) resetLayerHandler(c *gin.Context) {
	slot, ok := s.parseSlot(c)
	if !ok {
		return
	}
	if err := s.guard.ResetLayer(slot); err != nil {
		s.adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slot": slot.String(), "reset": true})
}

func (s *Server) setQuorumHandler(c *gin.Context) {
	var req struct {
		Quorum int `json:"quorum"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := s.guard.SetQuorum(req.Quorum); err != nil {
		s.adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quorum": req.Quorum})
}

func (s *Server) setSensitivityHandler(c *gin.Context) {
	var req struct {
		Sensitivity int `json:"sensitivity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := s.guard.SetSensitivity(req.Sensitivity); err != nil {
		s.adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sensitivity": req.Sensitivity})
}

func (s *Server) raiseThresholdsHandler(c *gin.Context) {
	s.guard.RaiseThresholds()
	c.JSON(http.StatusOK, gin.H{"thresholds": s.guard.Status().Adaptive.Thresholds})
}

func (s *Server) lowerThresholdsHandler(c *gin.Context) {
	s.guard.LowerThresholds()
	c.JSON(http.StatusOK, gin.H{"thresholds": s.guard.Status().Adaptive.Thresholds})
}

func (s *Server) resetCascadeHandler(c *gin.Context) {
	s.guard.ResetCascade()
	c.JSON(http.StatusOK, gin.H{"cascadeActive": false})
}

func (s *Server) blockCallerHandler(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))

	var req struct {
		Blocked bool `json:"blocked"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	s.guard.BlockCaller(addr, req.Blocked)
	c.JSON(http.StatusOK, gin.H{"caller": addr.Hex(), "blocked": req.Blocked})
}

func (s *Server) resetCooldownHandler(c *gin.Context) {
	op, ok := s.parseOperation(c)
	if !ok {
		return
	}
	s.guard.ResetCooldown(op)
	c.JSON(http.StatusOK, gin.H{"operation": op.String(), "cooldownReset": true})
}

func (s *Server) openCircuitHandler(c *gin.Context) {
	op, ok := s.parseOperation(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual open"
	}

	s.guard.OpenCircuit(op, req.Reason)
	c.JSON(http.StatusOK, gin.H{"operation": op.String(), "circuit": "open"})
}

func (s *Server) closeCircuitHandler(c *gin.Context) {
	op, ok := s.parseOperation(c)
	if !ok {
		return
	}
	s.guard.CloseCircuit(op)
	c.JSON(http.StatusOK, gin.H{"operation": op.String(), "circuit": "closed"})
}

func (s *Server) recoverHandler(c *gin.Context) {
	op, ok := s.parseOperation(c)
	if !ok {
		return
	}
	if err := s.guard.Recover(op); err != nil {
		s.adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": op.String(), "lifecycle": s.guard.MachineState(op).String()})
}

// blockFeedbackHandler is the audit loop: operators report whether a block
// caught a real attack. False positives lower predictor sensitivity.
func (s *Server) blockFeedbackHandler(c *gin.Context) {
	var req struct {
		WasActualAttack bool `json:"wasActualAttack"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	s.guard.RecordBlockOutcome(req.WasActualAttack)
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (s *Server) applyLearningHandler(c *gin.Context) {
	adj := s.guard.ApplyLearning()
	c.JSON(http.StatusOK, gin.H{
		"adjustment": adj.String(),
		"thresholds": s.guard.Status().Adaptive.Thresholds,
	})
}

// -----------------------------------------------------------------------------
// Param helpers
// -----------------------------------------------------------------------------

func (s *Server) parseOperation(c *gin.Context) (guard.Operation, bool) {
	op, ok := guard.ParseOperation(c.Param("op"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_operation",
			"message": "unknown operation: " + c.Param("op"),
		})
		return 0, false
	}
	return op, true
}

// parseSlot accepts a numeric slot index [0, 8).
func (s *Server) parseSlot(c *gin.Context) (layers.Slot, bool) {
	n, err := strconv.Atoi(c.Param("slot"))
	if err != nil || n < 0 || n > 7 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_slot",
			"message": "slot must be an index in [0, 8)",
		})
		return 0, false
	}
	return layers.Slot(n), true
}

func (s *Server) adminError(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"error":   "admin_operation_failed",
		"message": err.Error(),
	})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
