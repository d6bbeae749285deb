package host

import (
	"context"
	"fmt"
	"time"

	"github.com/jamesprial/virt-mcp/internal/metrics"
	"github.com/jamesprial/virt-mcp/internal/safety"
	"github.com/jamesprial/virt-mcp/internal/tools"
	"github.com/jamesprial/virt-mcp/internal/vm"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// InstanceLookup resolves a managed instance's description; vm.Registry
// satisfies it.
type InstanceLookup interface {
	Describe(name string) (vm.Description, error)
}

// HostTools returns the read-only host tools. filter limits which instances
// may be checked against capacity.
func HostTools(r Reader, instances InstanceLookup, filter *safety.Filter, audit *safety.AuditLogger, m *metrics.Metrics) []tools.Registration {
	return []tools.Registration{
		hostCapacity(r, instances, filter, audit, m),
	}
}

func hostCapacity(r Reader, instances InstanceLookup, filter *safety.Filter, audit *safety.AuditLogger, m *metrics.Metrics) tools.Registration {
	const toolName = "host_capacity"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Report host CPU and memory capacity, and whether a managed instance would fit."),
		mcp.WithString("name",
			mcp.Description("Optional instance name to check against current capacity"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		params := map[string]any{"name": name}

		if name != "" && !filter.IsAllowed(name) {
			tools.LogAudit(audit, toolName, params, "denied", start)
			m.ObserveOperation(toolName, "denied")
			return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", name)), nil
		}

		c, err := r.Capacity(ctx)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			m.ObserveOperation(toolName, "error")
			return tools.ErrorResult(err.Error()), nil
		}

		out := map[string]any{"host": c}
		if name != "" {
			desc, err := instances.Describe(name)
			if err != nil {
				tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
				m.ObserveOperation(toolName, "error")
				return tools.ErrorResult(err.Error()), nil
			}
			out["fit"] = c.Check(desc.Name, desc.CPUs, desc.MemoryBytes)
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		m.ObserveOperation(toolName, "ok")
		return tools.JSONResult(out), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
