package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/jamesprial/virt-mcp/internal/metrics"
	"github.com/jamesprial/virt-mcp/internal/safety"
	"github.com/jamesprial/virt-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// DestructiveTools lists the tools that require a confirmation token.
var DestructiveTools = []string{
	"vm_shutdown",
	"vm_remove",
}

const defaultWaitSeconds = 120

// toolDeps bundles what every handler needs.
type toolDeps struct {
	mgr     Manager
	filter  *safety.Filter
	confirm *safety.ConfirmationTracker
	audit   *safety.AuditLogger
	metrics *metrics.Metrics
}

// VMTools returns the tool registrations for instance lifecycle management.
func VMTools(
	mgr Manager,
	filter *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
	m *metrics.Metrics,
) []tools.Registration {
	d := toolDeps{mgr: mgr, filter: filter, confirm: confirm, audit: audit, metrics: m}
	return []tools.Registration{
		vmList(d),
		vmState(d),
		vmStart(d),
		vmShutdown(d),
		vmSuspend(d),
		vmWaitSSH(d),
		vmAddress(d),
		vmRemove(d),
		hypervisorHealth(d),
		backendVersion(d),
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// record writes the audit entry and counts the operation.
func (d toolDeps) record(tool string, params map[string]any, result string, start time.Time) {
	tools.LogAudit(d.audit, tool, params, result, start)
	switch {
	case result == "ok", result == "denied":
		d.metrics.ObserveOperation(tool, result)
	default:
		d.metrics.ObserveOperation(tool, "error")
	}
}

// denied reports and records a filtered instance name.
func (d toolDeps) denied(tool, name string, params map[string]any, start time.Time) *mcp.CallToolResult {
	d.record(tool, params, "denied", start)
	return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", name))
}

func (d toolDeps) failed(tool string, params map[string]any, err error, start time.Time) *mcp.CallToolResult {
	d.record(tool, params, "error: "+err.Error(), start)
	return tools.ErrorResult(err.Error())
}

func nameArg() mcp.ToolOption {
	return mcp.WithString("name",
		mcp.Required(),
		mcp.Description("Instance name"),
	)
}

func confirmationArg() mcp.ToolOption {
	return mcp.WithString("confirmation_token",
		mcp.Description("Confirmation token returned by a prior call to this tool"),
	)
}

// ---------------------------------------------------------------------------
// VM tools
// ---------------------------------------------------------------------------

func vmList(d toolDeps) tools.Registration {
	tool := mcp.NewTool("vm_list",
		mcp.WithDescription("List managed instances with their current state."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := map[string]any{}

		var visible []InstanceStatus
		for _, st := range d.mgr.List(ctx) {
			if d.filter.IsAllowed(st.Name) {
				visible = append(visible, st)
			}
		}

		d.record("vm_list", params, "ok", start)
		return tools.JSONResult(visible), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmState(d toolDeps) tools.Registration {
	const toolName = "vm_state"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Report the current state of an instance, reconciled with the hypervisor."),
		nameArg(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		params := map[string]any{"name": name}

		if !d.filter.IsAllowed(name) {
			return d.denied(toolName, name, params, start), nil
		}

		st, err := d.mgr.State(ctx, name)
		if err != nil {
			return d.failed(toolName, params, err, start), nil
		}

		d.record(toolName, params, "ok", start)
		return tools.JSONResult(map[string]any{"name": name, "state": st}), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmStart(d toolDeps) tools.Registration {
	const toolName = "vm_start"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Start an instance, restoring it if it was suspended."),
		nameArg(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		params := map[string]any{"name": name}

		if !d.filter.IsAllowed(name) {
			return d.denied(toolName, name, params, start), nil
		}

		if err := d.mgr.Start(ctx, name); err != nil {
			return d.failed(toolName, params, err, start), nil
		}

		d.record(toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q starting", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmShutdown(d toolDeps) tools.Registration {
	const toolName = "vm_shutdown"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Gracefully power off an instance. Requires confirmation."),
		nameArg(),
		confirmationArg(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"name": name}

		if !d.filter.IsAllowed(name) {
			return d.denied(toolName, name, params, start), nil
		}

		if !d.confirm.Confirm(token, toolName, name) {
			desc := fmt.Sprintf("This will gracefully shut down VM %q.", name)
			return tools.ConfirmPrompt(d.confirm, toolName, name, desc), nil
		}

		if err := d.mgr.Shutdown(ctx, name); err != nil {
			return d.failed(toolName, params, err, start), nil
		}

		d.record(toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q shutdown requested", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmSuspend(d toolDeps) tools.Registration {
	const toolName = "vm_suspend"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Suspend an instance to a managed-save image."),
		nameArg(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		params := map[string]any{"name": name}

		if !d.filter.IsAllowed(name) {
			return d.denied(toolName, name, params, start), nil
		}

		if err := d.mgr.Suspend(ctx, name); err != nil {
			return d.failed(toolName, params, err, start), nil
		}

		d.record(toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q suspended", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmWaitSSH(d toolDeps) tools.Registration {
	const toolName = "vm_wait_ssh"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Block until the instance answers on SSH or the timeout elapses."),
		nameArg(),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Maximum time to wait (default 120)"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		timeout := req.GetInt("timeout_seconds", defaultWaitSeconds)
		params := map[string]any{"name": name, "timeout_seconds": timeout}

		if !d.filter.IsAllowed(name) {
			return d.denied(toolName, name, params, start), nil
		}
		if timeout <= 0 {
			return tools.ErrorResult("timeout_seconds must be positive"), nil
		}

		if err := d.mgr.WaitSSH(ctx, name, time.Duration(timeout)*time.Second); err != nil {
			return d.failed(toolName, params, err, start), nil
		}

		d.record(toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q is reachable over SSH", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmAddress(d toolDeps) tools.Registration {
	const toolName = "vm_address"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Return the IPv4 address leased to an instance."),
		nameArg(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		params := map[string]any{"name": name}

		if !d.filter.IsAllowed(name) {
			return d.denied(toolName, name, params, start), nil
		}

		addr, err := d.mgr.Address(ctx, name)
		if err != nil {
			return d.failed(toolName, params, err, start), nil
		}

		d.record(toolName, params, "ok", start)
		return tools.JSONResult(map[string]string{"name": name, "ipv4": addr}), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmRemove(d toolDeps) tools.Registration {
	const toolName = "vm_remove"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Power off an instance and delete its hypervisor definition and saved state. Requires confirmation."),
		nameArg(),
		confirmationArg(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"name": name}

		if !d.filter.IsAllowed(name) {
			return d.denied(toolName, name, params, start), nil
		}

		if !d.confirm.Confirm(token, toolName, name) {
			desc := fmt.Sprintf("This will PERMANENTLY remove the hypervisor definition of VM %q, including any suspended state.", name)
			return tools.ConfirmPrompt(d.confirm, toolName, name, desc), nil
		}

		if err := d.mgr.Remove(ctx, name); err != nil {
			return d.failed(toolName, params, err, start), nil
		}

		d.record(toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q removed", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func hypervisorHealth(d toolDeps) tools.Registration {
	const toolName = "hypervisor_health"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Check that the hypervisor driver accepts connections."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := map[string]any{}

		if err := d.mgr.HealthCheck(ctx); err != nil {
			return d.failed(toolName, params, err, start), nil
		}

		d.record(toolName, params, "ok", start)
		return mcp.NewToolResultText("hypervisor reachable"), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func backendVersion(d toolDeps) tools.Registration {
	const toolName = "backend_version"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Report the hypervisor backend version."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		v := d.mgr.BackendVersion(ctx)
		d.record(toolName, map[string]any{}, "ok", start)
		return mcp.NewToolResultText(v), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
