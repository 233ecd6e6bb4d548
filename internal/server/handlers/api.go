package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/core/engine"
	"github.com/namelens/symscan/internal/core/gateway"
	"github.com/namelens/symscan/internal/core/progress"
	"github.com/namelens/symscan/internal/core/store"
	"github.com/namelens/symscan/internal/core/strategy"
	apperrors "github.com/namelens/symscan/internal/errors"
)

const (
	defaultHistoryLimit = 20
	maxListLimit        = 1000
)

// ScanRunner starts scans and reports their state.
type ScanRunner interface {
	Trigger(ctx context.Context, opts engine.RunOptions) (string, error)
	Status() engine.Status
}

// AssetReader reads persisted validation state.
type AssetReader interface {
	GetBySymbol(ctx context.Context, symbol string) (*core.Asset, error)
	ListAssets(ctx context.Context, q store.AssetQuery) ([]core.Asset, error)
	ListScanRuns(ctx context.Context, limit int) ([]core.ScanRun, error)
}

// GatewayStats exposes gateway counters.
type GatewayStats interface {
	Stats() gateway.Stats
}

// API serves the scan, asset and gateway endpoints.
type API struct {
	Scanner ScanRunner
	Assets  AssetReader
	Gateway GatewayStats
	Events  *progress.Broadcaster

	// BaseContext bounds scans started over HTTP. Request contexts end with
	// the response, so triggered scans must not inherit them.
	BaseContext context.Context
}

// ScanRequest is the optional body of POST /api/v1/scans.
type ScanRequest struct {
	Strategy string `json:"strategy,omitempty"`
}

// ScanAccepted is returned when a scan starts.
type ScanAccepted struct {
	ScanID   string `json:"scan_id"`
	Strategy string `json:"strategy,omitempty"`
	Status   string `json:"status"`
}

// TriggerScan starts a background scan.
func (a *API) TriggerScan(w http.ResponseWriter, r *http.Request) {
	if a.Scanner == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("Scanner is not configured"))
		return
	}

	var req ScanRequest
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Request body must be JSON"))
			return
		}
	}

	if name := strings.TrimSpace(req.Strategy); name != "" {
		kind, err := strategy.ParseKind(name)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Unknown scan strategy"))
			return
		}
		req.Strategy = kind.String()
	}

	ctx := a.BaseContext
	if ctx == nil {
		ctx = context.WithoutCancel(r.Context())
	}

	id, err := a.Scanner.Trigger(ctx, engine.RunOptions{Strategy: req.Strategy})
	if err != nil {
		if errors.Is(err, engine.ErrScanInProgress) {
			respondWithError(w, r, apperrors.NewConflictError("A scan is already in progress"))
			return
		}
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ScanAccepted{ScanID: id, Strategy: req.Strategy, Status: "started"})
}

// ScanStatus reports the scanner state and the last completed scan.
func (a *API) ScanStatus(w http.ResponseWriter, r *http.Request) {
	if a.Scanner == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("Scanner is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, a.Scanner.Status())
}

// ScanHistory lists recorded scan runs, newest first.
func (a *API) ScanHistory(w http.ResponseWriter, r *http.Request) {
	if a.Assets == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("Store is not configured"))
		return
	}

	limit, err := parseLimit(r, defaultHistoryLimit)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Invalid limit"))
		return
	}

	runs, err := a.Assets.ListScanRuns(r.Context(), limit)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Failed to list scan runs"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// ListAssets returns stored assets. Query parameters: valid=true|false,
// quote=USDT, limit=N.
func (a *API) ListAssets(w http.ResponseWriter, r *http.Request) {
	if a.Assets == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("Store is not configured"))
		return
	}

	q := store.AssetQuery{Quote: r.URL.Query().Get("quote")}
	if raw := r.URL.Query().Get("valid"); raw != "" {
		valid, err := strconv.ParseBool(raw)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "valid must be true or false"))
			return
		}
		q.ValidOnly = valid
		q.InvalidOnly = !valid
	}
	limit, err := parseLimit(r, 0)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Invalid limit"))
		return
	}
	q.Limit = limit

	assets, err := a.Assets.ListAssets(r.Context(), q)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Failed to list assets"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": assets, "count": len(assets)})
}

// GetAsset returns one asset addressed as /assets/{base}/{quote}.
func (a *API) GetAsset(w http.ResponseWriter, r *http.Request) {
	if a.Assets == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("Store is not configured"))
		return
	}

	symbol := strings.ToUpper(chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote"))
	if _, _, ok := core.SplitSymbol(symbol); !ok {
		respondWithError(w, r, apperrors.NewInvalidInputError(fmt.Sprintf("Invalid symbol %q", symbol)))
		return
	}

	asset, err := a.Assets.GetBySymbol(r.Context(), symbol)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "Failed to load asset"))
		return
	}
	if asset == nil {
		respondWithError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("Asset %s not found", symbol)))
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// GatewayStatsHandler reports limiter, cache and breaker counters.
func (a *API) GatewayStatsHandler(w http.ResponseWriter, r *http.Request) {
	if a.Gateway == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("Gateway is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, a.Gateway.Stats())
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}
