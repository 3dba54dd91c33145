package plugin

import (
	"net/http"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/config"
	"github.com/charliepank/blockchain-relay-utility/internal/middleware"
	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/service"
	"github.com/gin-gonic/gin"
)

// defaultOperations cover the common sponsored flows when the operator
// declares none.
var defaultOperations = []model.OperationBudget{
	{Operation: "transfer", GasLimit: 21000, Function: "transfer"},
	{Operation: "erc20-transfer", GasLimit: 65000, Function: "transfer(address,uint256)"},
	{Operation: "mint", GasLimit: 130000, Function: "mint(address,uint256)"},
}

// RelayOps is the built-in plugin exposing config-declared relay
// operations under one route: POST <prefix>/:operation.
type RelayOps struct {
	prefix string
	ops    []model.OperationBudget
	index  map[string]model.OperationBudget
	engine *service.RelayEngine
}

func NewRelayOps(cfg config.RelayPluginConfig) *RelayOps {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/api/relay"
	}

	ops := make([]model.OperationBudget, 0, len(cfg.Operations))
	for _, op := range cfg.Operations {
		ops = append(ops, model.OperationBudget{
			Operation: op.Name,
			GasLimit:  op.GasLimit,
			Function:  op.Function,
		})
	}
	if len(ops) == 0 {
		ops = append(ops, defaultOperations...)
	}

	index := make(map[string]model.OperationBudget, len(ops))
	for _, op := range ops {
		index[op.Operation] = op
	}

	return &RelayOps{prefix: prefix, ops: ops, index: index}
}

func (p *RelayOps) Name() string      { return "relay-ops" }
func (p *RelayOps) APIPrefix() string { return p.prefix }

func (p *RelayOps) GasOperations() []model.OperationBudget {
	out := make([]model.OperationBudget, len(p.ops))
	copy(out, p.ops)
	return out
}

func (p *RelayOps) Initialize(engine *service.RelayEngine) error {
	p.engine = engine
	return nil
}

func (p *RelayOps) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/:operation", p.handleRelay)
}

func (p *RelayOps) handleRelay(c *gin.Context) {
	opName := c.Param("operation")
	budget, known := p.index[opName]
	if !known {
		c.JSON(http.StatusNotFound, gin.H{
			"error":     "Not Found",
			"message":   "unknown relay operation: " + opName,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	var req model.RelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Bad Request",
			"message":   err.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	req.OperationName = opName
	if req.ExpectedGasLimit == 0 {
		req.ExpectedGasLimit = budget.GasLimit
	}

	var tenant *model.TenantContext
	if tenantVal, exists := c.Get(middleware.ContextTenantKey); exists {
		tenant = tenantVal.(*model.TenantContext)
	}

	outcome := p.engine.Process(c.Request.Context(), tenant, req)

	middleware.AddAuditContext(c, "operation", opName)
	if outcome.TransactionHash != "" {
		middleware.AddAuditContext(c, "tx_hash", outcome.TransactionHash)
	}
	if outcome.Error != "" {
		middleware.AddAuditContext(c, "error", outcome.Error)
	}

	c.JSON(http.StatusOK, outcome)
}
