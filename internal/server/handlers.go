package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"dropgate/internal/claim"
	"dropgate/internal/contract"
	"dropgate/internal/merkle"
	"dropgate/internal/sigmint"
	"dropgate/internal/storage"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func tokenIDFrom(r *http.Request) (*big.Int, error) {
	raw := r.PathValue("tokenId")
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok || id.Sign() < 0 {
		return nil, badRequest("invalid token id %q", raw)
	}
	return id, nil
}

// addressParam returns the zero address for an empty value; the eligibility
// check reports that as NoWallet.
func addressParam(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("address"))
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func quantityParam(r *http.Request) (*big.Int, error) {
	q, err := claim.ParseQuantity(claim.Numberish(r.URL.Query().Get("quantity")), big.NewInt(1))
	if err != nil {
		return nil, badRequest("quantity: %v", err)
	}
	return q, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid json payload: %v", err)
	}
	return nil
}

func (s *Server) handleGetAll(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conditions, err := s.conditions.GetAll(r.Context(), tokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conditions == nil {
		conditions = []claim.ClaimCondition{}
	}
	writeJSON(w, http.StatusOK, conditions)
}

func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active, err := s.conditions.GetActive(r.Context(), tokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

type reasonJSON struct {
	Code    claim.ClaimEligibility `json:"code"`
	Message string                 `json:"message"`
}

type eligibilityResponse struct {
	Address  common.Address `json:"address"`
	Quantity string         `json:"quantity"`
	Eligible bool           `json:"eligible"`
	Reasons  []reasonJSON   `json:"reasons"`
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDFrom(r)
	if err != nil {
		s.eligibilityError(w, r, err)
		return
	}
	addr, err := addressParam(r)
	if err != nil {
		s.eligibilityError(w, r, err)
		return
	}
	qty, err := quantityParam(r)
	if err != nil {
		s.eligibilityError(w, r, err)
		return
	}
	s.eligibility(w, r, tokenID, qty, addr)
}

func (s *Server) eligibilityError(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.incEligibility("error")
	s.writeError(w, r, err)
}

func (s *Server) eligibility(w http.ResponseWriter, r *http.Request, tokenID, qty *big.Int, addr common.Address) {
	reasons, err := s.conditions.GetClaimIneligibilityReasons(r.Context(), tokenID, qty, addr)
	if err != nil {
		s.eligibilityError(w, r, err)
		return
	}
	resp := eligibilityResponse{
		Address:  addr,
		Quantity: qty.String(),
		Eligible: len(reasons) == 0,
		Reasons:  make([]reasonJSON, 0, len(reasons)),
	}
	for _, reason := range reasons {
		resp.Reasons = append(resp.Reasons, reasonJSON{Code: reason, Message: reason.Message()})
		s.metrics.incReason(string(reason))
	}
	if resp.Eligible {
		s.metrics.incEligibility("eligible")
	} else {
		s.metrics.incEligibility("ineligible")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if addr == (common.Address{}) {
		s.writeError(w, r, badRequest("address is required"))
		return
	}
	qty, err := quantityParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prep, err := s.conditions.PrepareClaim(r.Context(), tokenID, qty, addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ConditionID  string              `json:"conditionId"`
		Claimer      common.Address      `json:"claimer"`
		Quantity     string              `json:"quantity"`
		Proof        []common.Hash       `json:"proof"`
		MaxClaimable string              `json:"maxClaimable"`
		Currency     common.Address      `json:"currency"`
		TotalPrice   claim.CurrencyValue `json:"totalPrice"`
	}{
		ConditionID:  prep.ConditionID.String(),
		Claimer:      prep.Claimer,
		Quantity:     prep.Quantity.String(),
		Proof:        prep.Proof,
		MaxClaimable: prep.MaxClaimable.String(),
		Currency:     prep.Currency,
		TotalPrice:   prep.TotalPrice,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	root, err := merkle.ParseRoot(r.PathValue("root"))
	if err != nil {
		s.writeError(w, r, badRequest("merkle root: %v", err))
		return
	}
	snap, err := s.conditions.SnapshotFor(r.Context(), root)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type setConditionsRequest struct {
	Conditions            []claim.ClaimConditionInput `json:"conditions"`
	ResetClaimEligibility bool                        `json:"resetClaimEligibility"`
}

func (s *Server) handleSetConditions(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req setConditionsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.conditions.Set(r.Context(), tokenID, req.Conditions, req.ResetClaimEligibility)
	if err != nil {
		s.metrics.incConditionWrite("set", "failed")
		s.writeError(w, r, err)
		return
	}
	s.metrics.incConditionWrite("set", "submitted")
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateCondition(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.writeError(w, r, badRequest("invalid index %q", r.PathValue("index")))
		return
	}
	var patch claim.ClaimConditionInput
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.conditions.Update(r.Context(), tokenID, index, patch)
	if err != nil {
		s.metrics.incConditionWrite("update", "failed")
		s.writeError(w, r, err)
		return
	}
	s.metrics.incConditionWrite("update", "submitted")
	writeJSON(w, http.StatusOK, result)
}

type generateRequest struct {
	Payloads []sigmint.PayloadInput `json:"payloads"`
}

func (s *Server) handleGenerateSignatures(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Payloads) == 0 {
		s.writeError(w, r, badRequest("payloads must not be empty"))
		return
	}
	signed, err := s.minter.GenerateBatch(r.Context(), req.Payloads)
	if err != nil {
		s.metrics.incSignature("generate", "failed")
		s.writeError(w, r, err)
		return
	}
	for range signed {
		s.metrics.incSignature("generate", "signed")
	}
	writeJSON(w, http.StatusCreated, struct {
		Signed []sigmint.SignedPayload `json:"signed"`
	}{Signed: signed})
}

func (s *Server) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	var req sigmint.SignedPayload
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.minter.Verify(r.Context(), req)
	if err != nil {
		s.metrics.incSignature("verify", "failed")
		s.writeError(w, r, err)
		return
	}
	resp := struct {
		Valid  bool            `json:"valid"`
		Signer *common.Address `json:"signer,omitempty"`
	}{Valid: ok}
	if ok {
		signer, err := s.minter.Recover(r.Context(), req)
		if err == nil {
			resp.Signer = &signer
		}
		s.metrics.incSignature("verify", "valid")
	} else {
		s.metrics.incSignature("verify", "invalid")
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	var (
		verr *claim.ValidationError
		ierr *sigmint.InputError
		dup  *merkle.DuplicateLeafsError
		role *sigmint.MissingRoleError
	)
	switch {
	case errors.Is(err, errBadRequest),
		errors.As(err, &verr),
		errors.As(err, &ierr),
		errors.As(err, &dup),
		errors.Is(err, claim.ErrInvalidQuantity),
		errors.Is(err, storage.ErrInvalidURI):
		return http.StatusBadRequest
	case errors.Is(err, claim.ErrIndexOutOfRange),
		errors.Is(err, claim.ErrNotAllowlisted),
		errors.Is(err, contract.ErrNoActiveCondition),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &role):
		return http.StatusForbidden
	case errors.Is(err, contract.ErrReadOnly):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("request_id", r.Header.Get(headerRequestID)),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", fields...)
	} else {
		s.log.Info("request rejected", fields...)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
