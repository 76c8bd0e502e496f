package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"cdpledger/crypto"
	"cdpledger/native/cdp"
	"cdpledger/native/oracle"
	"cdpledger/native/params"
	"cdpledger/services/cdpd/journal"
)

const maxBody = 1 << 20

type operation int

const (
	opSpawn operation = iota
	opDeposit
	opWithdraw
	opRepayCol
	opWithdrawRepayCol
)

type proofPayload struct {
	Main []string `json:"main,omitempty"`
	Col  []string `json:"col,omitempty"`
}

type movementRequest struct {
	Asset  string       `json:"asset"`
	Owner  string       `json:"owner"`
	Main   string       `json:"main"`
	Col    string       `json:"col"`
	USDP   string       `json:"usdp"`
	Proofs proofPayload `json:"proofs"`
}

type liquidationRequest struct {
	Asset      string       `json:"asset"`
	Owner      string       `json:"owner"`
	Liquidator string       `json:"liquidator"`
	Proofs     proofPayload `json:"proofs"`
}

type positionView struct {
	Asset                   string `json:"asset"`
	Owner                   string `json:"owner"`
	MainCollateral          string `json:"mainCollateral"`
	ColCollateral           string `json:"colCollateral"`
	Debt                    string `json:"debt"`
	LastAccrual             uint64 `json:"lastAccrual"`
	StabilityFeeBps         uint64 `json:"stabilityFeeBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
}

type healthView struct {
	Position        positionView `json:"position"`
	CollateralValue string       `json:"collateralValue"`
	MaxDebt         string       `json:"maxDebt"`
	Healthy         bool         `json:"healthy"`
	Liquidatable    bool         `json:"liquidatable"`
}

type settlementView struct {
	State          string `json:"state"`
	Debt           string `json:"debt"`
	Penalty        string `json:"penalty"`
	SeizedMain     string `json:"seizedMain"`
	SeizedCol      string `json:"seizedCol"`
	ReturnedMain   string `json:"returnedMain"`
	ReturnedCol    string `json:"returnedCol"`
	ProtocolMain   string `json:"protocolMain"`
	ProtocolCol    string `json:"protocolCol"`
	LiquidatorMain string `json:"liquidatorMain"`
	LiquidatorCol  string `json:"liquidatorCol"`
}

func newPositionView(asset, owner crypto.Address, pos *cdp.Position) positionView {
	return positionView{
		Asset:                   asset.String(),
		Owner:                   owner.String(),
		MainCollateral:          pos.MainCollateral.String(),
		ColCollateral:           pos.ColCollateral.String(),
		Debt:                    pos.DebtPrincipal.String(),
		LastAccrual:             pos.LastAccrual,
		StabilityFeeBps:         pos.StabilityFeeBps,
		LiquidationThresholdBps: pos.LiquidationThresholdBps,
	}
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a base-10 integer", field)
	}
	return value, nil
}

func parseProof(field string, raw []string) (oracle.Proof, error) {
	var proof oracle.Proof
	if len(raw) == 0 {
		return proof, nil
	}
	if len(raw) != oracle.ProofFields {
		return proof, fmt.Errorf("%s proof must have %d fields", field, oracle.ProofFields)
	}
	for i, item := range raw {
		decoded, err := hexutil.Decode(strings.TrimSpace(item))
		if err != nil {
			return proof, fmt.Errorf("%s proof field %d: %w", field, i, err)
		}
		proof[i] = decoded
	}
	return proof, nil
}

func (p proofPayload) decode() (cdp.Proofs, error) {
	main, err := parseProof("main", p.Main)
	if err != nil {
		return cdp.Proofs{}, err
	}
	col, err := parseProof("col", p.Col)
	if err != nil {
		return cdp.Proofs{}, err
	}
	return cdp.Proofs{Main: main, Col: col}, nil
}

func parseKey(assetRaw, ownerRaw string) (crypto.Address, crypto.Address, error) {
	asset, err := crypto.DecodeAddressWithPrefix(assetRaw, crypto.AssetPrefix)
	if err != nil {
		return crypto.Address{}, crypto.Address{}, fmt.Errorf("asset: %w", err)
	}
	owner, err := crypto.DecodeAddressWithPrefix(ownerRaw, crypto.OwnerPrefix)
	if err != nil {
		return crypto.Address{}, crypto.Address{}, fmt.Errorf("owner: %w", err)
	}
	return asset, owner, nil
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	asset, owner, err := parseKey(chi.URLParam(r, "asset"), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := s.engine.Position(asset, owner)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(asset, owner, pos))
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	asset, owner, err := parseKey(chi.URLParam(r, "asset"), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload proofPayload
	if r.ContentLength != 0 {
		if err := decodeBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	proofs, err := payload.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	health, err := s.engine.Health(r.Context(), asset, owner, proofs)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthView{
		Position:        newPositionView(asset, owner, health.Position),
		CollateralValue: health.CollateralValue.FloatString(18),
		MaxDebt:         health.MaxDebt.String(),
		Healthy:         health.Healthy,
		Liquidatable:    health.Liquidatable,
	})
}

func (s *Server) handleMovement(op operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req movementRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		asset, owner, err := parseKey(req.Asset, req.Owner)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !authorize(w, r, "owner", owner) {
			return
		}
		amounts := make([]*big.Int, 3)
		for i, field := range []struct{ name, raw string }{{"main", req.Main}, {"col", req.Col}, {"usdp", req.USDP}} {
			if amounts[i], err = parseAmount(field.name, field.raw); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		proofs, err := req.Proofs.decode()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		main, col, usdp := amounts[0], amounts[1], amounts[2]
		ctx := r.Context()
		var pos *cdp.Position
		switch op {
		case opSpawn:
			pos, err = s.engine.Spawn(ctx, asset, owner, main, col, usdp, proofs)
		case opDeposit:
			pos, err = s.engine.DepositAndBorrow(ctx, asset, owner, main, col, usdp, proofs)
		case opWithdraw:
			pos, err = s.engine.WithdrawAndRepay(ctx, asset, owner, main, col, usdp, proofs)
		case opRepayCol:
			pos, err = s.engine.RepayUsingCol(ctx, asset, owner, usdp, proofs)
		case opWithdrawRepayCol:
			pos, err = s.engine.WithdrawAndRepayUsingCol(ctx, asset, owner, main, col, usdp, proofs)
		}
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newPositionView(asset, owner, pos))
	}
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, owner, err := parseKey(req.Asset, req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	liquidator, err := crypto.DecodeAddressWithPrefix(req.Liquidator, crypto.OwnerPrefix)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("liquidator: %v", err))
		return
	}
	if !authorize(w, r, "liquidator", liquidator) {
		return
	}
	proofs, err := req.Proofs.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	settlement, err := s.liq.TriggerLiquidation(r.Context(), asset, owner, liquidator, proofs)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView{
		State:          settlement.State.String(),
		Debt:           settlement.Debt.String(),
		Penalty:        settlement.Penalty.String(),
		SeizedMain:     settlement.SeizedMain.String(),
		SeizedCol:      settlement.SeizedCol.String(),
		ReturnedMain:   settlement.ReturnedMain.String(),
		ReturnedCol:    settlement.ReturnedCol.String(),
		ProtocolMain:   settlement.ProtocolMain.String(),
		ProtocolCol:    settlement.ProtocolCol.String(),
		LiquidatorMain: settlement.LiquidatorMain.String(),
		LiquidatorCol:  settlement.LiquidatorCol.String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event journal disabled")
		return
	}
	q := r.URL.Query()
	query := journal.Query{
		Type:  strings.TrimSpace(q.Get("type")),
		Asset: strings.TrimSpace(q.Get("asset")),
		Owner: strings.TrimSpace(q.Get("owner")),
	}
	if raw := q.Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		query.AfterSeq = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = v
	}
	entries, err := s.events.Entries(r.Context(), query)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "journal query failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

type pausesPayload struct {
	CDP         *bool `json:"cdp,omitempty"`
	Liquidation *bool `json:"liquidation,omitempty"`
}

func (s *Server) handleGetPauses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"cdp":         s.pauses.IsPaused("cdp"),
		"liquidation": s.pauses.IsPaused("liquidation"),
	})
}

func (s *Server) handlePutPauses(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeError(w, http.StatusNotFound, "pause switchboard disabled")
		return
	}
	var req pausesPayload
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next := params.Pauses{
		CDP:         s.pauses.IsPaused("cdp"),
		Liquidation: s.pauses.IsPaused("liquidation"),
	}
	if req.CDP != nil {
		next.CDP = *req.CDP
	}
	if req.Liquidation != nil {
		next.Liquidation = *req.Liquidation
	}
	if s.store != nil {
		if err := s.store.SetPauses(next); err != nil {
			s.logger.Error("persist pauses", "error", err)
			writeError(w, http.StatusInternalServerError, "persist pauses failed")
			return
		}
	}
	s.pauses.Set("cdp", next.CDP)
	s.pauses.Set("liquidation", next.Liquidation)
	s.logger.Info("pause switchboard updated",
		"cdp", s.pauses.IsPaused("cdp"),
		"liquidation", s.pauses.IsPaused("liquidation"))
	s.handleGetPauses(w, r)
}

func (s *Server) handlePutHead(w http.ResponseWriter, r *http.Request) {
	if s.head == nil {
		writeError(w, http.StatusNotFound, "historical oracle disabled")
		return
	}
	var req struct {
		Height uint64 `json:"height"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.head.Set(req.Height)
	height, _ := s.head.Head(r.Context())
	writeJSON(w, http.StatusOK, map[string]uint64{"height": height})
}
