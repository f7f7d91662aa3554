package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"deedvault/native/escrow"
)

type listParams struct {
	Caller        string `json:"caller"`
	AssetID       uint64 `json:"assetId"`
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EscrowAmount  string `json:"escrowAmount"`
}

type depositParams struct {
	AssetID uint64 `json:"assetId"`
	Caller  string `json:"caller"`
	Amount  string `json:"amount"`
}

type inspectionParams struct {
	AssetID uint64 `json:"assetId"`
	Caller  string `json:"caller"`
	Passed  bool   `json:"passed"`
}

type actorParams struct {
	AssetID uint64 `json:"assetId"`
	Caller  string `json:"caller"`
}

type assetParams struct {
	AssetID uint64 `json:"assetId"`
}

type balanceParams struct {
	AssetID *uint64 `json:"assetId,omitempty"`
}

type deedMintParams struct {
	Owner    string `json:"owner"`
	TokenURI string `json:"tokenUri"`
}

type deedApproveParams struct {
	Caller   string `json:"caller"`
	Operator string `json:"operator,omitempty"`
	TokenID  uint64 `json:"tokenId"`
}

type listingJSON struct {
	AssetID          uint64          `json:"assetId"`
	Seller           string          `json:"seller"`
	Buyer            string          `json:"buyer"`
	PurchasePrice    string          `json:"purchasePrice"`
	EscrowAmount     string          `json:"escrowAmount"`
	Listed           bool            `json:"listed"`
	InspectionPassed bool            `json:"inspectionPassed"`
	CreatedAt        int64           `json:"createdAt"`
	Approvals        map[string]bool `json:"approvals"`
	EscrowBalance    string          `json:"escrowBalance"`
}

func decodeParams(req *RPCRequest, dst any) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], dst)
}

func parseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid address %q", value)
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}

func hexAddr(addr [20]byte) string {
	return common.Address(addr).Hex()
}

func (s *Server) invalidParams(w http.ResponseWriter, req *RPCRequest, err error) string {
	writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
	s.metrics.RecordError(req.Method, codeEscrowInvalidParams)
	return "invalid_params"
}

func (s *Server) listingResult(listing *escrow.Listing) listingJSON {
	approvals := make(map[string]bool, len(escrow.RequiredParties))
	roles := s.engine.Roles()
	approvals[string(escrow.PartyBuyer)] = s.engine.Approval(listing.AssetID, listing.Buyer)
	approvals[string(escrow.PartySeller)] = s.engine.Approval(listing.AssetID, roles.Seller)
	approvals[string(escrow.PartyLender)] = s.engine.Approval(listing.AssetID, roles.Lender)
	return listingJSON{
		AssetID:          listing.AssetID,
		Seller:           hexAddr(listing.Seller),
		Buyer:            hexAddr(listing.Buyer),
		PurchasePrice:    listing.PurchasePrice.String(),
		EscrowAmount:     listing.EscrowAmount.String(),
		Listed:           listing.Listed,
		InspectionPassed: listing.InspectionPassed,
		CreatedAt:        listing.CreatedAt,
		Approvals:        approvals,
		EscrowBalance:    s.engine.EscrowBalance(listing.AssetID).String(),
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params listParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	price, err := parseAmount(params.PurchasePrice)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	earnest, err := parseAmount(params.EscrowAmount)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	listing, err := s.engine.List(caller, params.AssetID, buyer, price, earnest)
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, s.listingResult(listing))
	return "ok"
}

func (s *Server) handleDepositEarnest(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params depositParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	if err := s.engine.DepositEarnest(params.AssetID, caller, amount); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]string{"balance": s.engine.EscrowBalance(params.AssetID).String()})
	return "ok"
}

func (s *Server) handleFund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params depositParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	from, err := parseAddress(params.Caller)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	if err := s.engine.Fund(params.AssetID, from, amount); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]string{"balance": s.engine.EscrowBalance(params.AssetID).String()})
	return "ok"
}

func (s *Server) handleUpdateInspection(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params inspectionParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	if err := s.engine.UpdateInspectionStatus(params.AssetID, caller, params.Passed); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"inspectionPassed": params.Passed})
	return "ok"
}

func (s *Server) handleApproveSale(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params actorParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	if err := s.engine.ApproveSale(params.AssetID, caller); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"approved": true})
	return "ok"
}

func (s *Server) handleFinalizeSale(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params actorParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	if err := s.engine.FinalizeSale(params.AssetID, caller); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"finalized": true})
	return "ok"
}

func (s *Server) handleCancelSale(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params actorParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	if err := s.engine.CancelSale(params.AssetID, caller); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"cancelled": true})
	return "ok"
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params assetParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	listing, ok := s.engine.Listing(params.AssetID)
	if !ok {
		return s.writeEngineError(w, req, escrow.ErrNoSuchListing)
	}
	writeResult(w, req.ID, s.listingResult(listing))
	return "ok"
}

func (s *Server) handleBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params balanceParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return s.invalidParams(w, req, err)
		}
	}
	if params.AssetID != nil {
		writeResult(w, req.ID, map[string]string{"balance": s.engine.EscrowBalance(*params.AssetID).String()})
		return "ok"
	}
	writeResult(w, req.ID, map[string]string{"balance": s.engine.TotalEscrowBalance().String()})
	return "ok"
}

func (s *Server) handleRoles(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	roles := s.engine.Roles()
	writeResult(w, req.ID, map[string]string{
		"seller":    hexAddr(roles.Seller),
		"inspector": hexAddr(roles.Inspector),
		"lender":    hexAddr(roles.Lender),
		"vault":     hexAddr(s.engine.VaultAddress()),
	})
	return "ok"
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	type eventJSON struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}
	drained := s.eventFeed.Drain()
	result := make([]eventJSON, 0, len(drained))
	for _, evt := range drained {
		result = append(result, eventJSON{Type: evt.Type, Attributes: evt.Attributes})
	}
	writeResult(w, req.ID, result)
	return "ok"
}

func (s *Server) handleDeedMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params deedMintParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	owner, err := parseAddress(params.Owner)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	id, err := s.deeds.Mint(owner, params.TokenURI)
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]uint64{"tokenId": id})
	return "ok"
}

func (s *Server) handleDeedApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params deedApproveParams
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return s.invalidParams(w, req, err)
	}
	operator := s.engine.VaultAddress()
	if strings.TrimSpace(params.Operator) != "" {
		operator, err = parseAddress(params.Operator)
		if err != nil {
			return s.invalidParams(w, req, err)
		}
	}
	if err := s.deeds.Approve(caller, operator, params.TokenID); err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]bool{"approved": true})
	return "ok"
}

func (s *Server) handleDeedOwnerOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params struct {
		TokenID uint64 `json:"tokenId"`
	}
	if err := decodeParams(req, &params); err != nil {
		return s.invalidParams(w, req, err)
	}
	owner, err := s.deeds.OwnerOf(params.TokenID)
	if err != nil {
		return s.writeEngineError(w, req, err)
	}
	writeResult(w, req.ID, map[string]string{"owner": hexAddr(owner)})
	return "ok"
}
