package handler

import (
	"math/big"
	"net/http"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/middleware"
	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/plugin"
	"github.com/charliepank/blockchain-relay-utility/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var weiPerCoin = decimal.New(1, 18)

// SystemHandler serves the non-plugin surface: health, status, gas-cost
// listing, usage, and the event stream.
type SystemHandler struct {
	registry *plugin.Registry
	policy   *service.GasPolicy
	usage    service.UsageRepo
	events   *service.EventHub
	chainID  int64
	started  time.Time
}

func NewSystemHandler(registry *plugin.Registry, policy *service.GasPolicy, usage service.UsageRepo, events *service.EventHub, chainID int64) *SystemHandler {
	return &SystemHandler{
		registry: registry,
		policy:   policy,
		usage:    usage,
		events:   events,
		chainID:  chainID,
		started:  time.Now(),
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "blockchain-relay-utility",
		"plugins":   h.registry.ActiveNames(),
	})
}

func (h *SystemHandler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (h *SystemHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"chain_id":       h.chainID,
		"plugins":        len(h.registry.ActivePlugins()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// GasCosts lists every declared operation priced at the current network
// gas price.
func (h *SystemHandler) GasCosts(c *gin.Context) {
	gasPrice, err := h.policy.NetworkGasPrice(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	ops := h.registry.AllGasOperations()
	rows := make([]model.GasCost, 0, len(ops))
	for _, op := range ops {
		totalWei := new(big.Int).Mul(new(big.Int).SetUint64(op.GasLimit), gasPrice)
		rows = append(rows, model.GasCost{
			Operation:       op.Operation,
			GasLimit:        op.GasLimit,
			GasPriceWei:     gasPrice.String(),
			TotalCostWei:    totalWei.String(),
			TotalCostNative: decimal.NewFromBigInt(totalWei, 0).Div(weiPerCoin).String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"gasPriceWei": gasPrice.String(),
		"operations":  rows,
	})
}

// Usage reports the calling tenant's daily relay activity.
func (h *SystemHandler) Usage(c *gin.Context) {
	tenantVal, exists := c.Get(middleware.ContextTenantKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":     "Unauthorized",
			"message":   "missing tenant context",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	tenant := tenantVal.(*model.TenantContext)

	relays, fundedWei, err := h.usage.GetDailyUsage(c.Request.Context(), tenant.APIKeyName)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKeyName": tenant.APIKeyName,
		"date":       time.Now().UTC().Format("2006-01-02"),
		"relays":     relays,
		"fundedWei":  fundedWei.String(),
	})
}

// Events upgrades to a websocket streaming relay lifecycle events.
func (h *SystemHandler) Events(c *gin.Context) {
	h.events.HandleConnection(c.Writer, c.Request)
}
