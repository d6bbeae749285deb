package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jamesprial/virt-mcp/internal/safety"
	"github.com/jamesprial/virt-mcp/internal/vm"
	"github.com/mark3labs/mcp-go/mcp"
)

type stubReader struct {
	c     *Capacity
	err   error
	calls int
}

func (r *stubReader) Capacity(_ context.Context) (*Capacity, error) {
	r.calls++
	return r.c, r.err
}

type stubLookup map[string]vm.Description

func (l stubLookup) Describe(name string) (vm.Description, error) {
	d, ok := l[name]
	if !ok {
		return vm.Description{}, fmt.Errorf("vm %q: %w", name, vm.ErrUnknownInstance)
	}
	return d, nil
}

func callHostCapacity(t *testing.T, r Reader, l InstanceLookup, filter *safety.Filter, args map[string]any) (string, bool) {
	t.Helper()
	regs := HostTools(r, l, filter, nil, nil)
	if len(regs) != 1 || regs[0].Tool.Name != "host_capacity" {
		t.Fatalf("HostTools() = %+v, want host_capacity", regs)
	}

	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := regs[0].Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text, res.IsError
}

func Test_HostCapacity_Tool(t *testing.T) {
	reader := &stubReader{c: &Capacity{CPUs: 4, MemTotalBytes: 16 << 30, MemAvailableBytes: 2 << 30}}
	lookup := stubLookup{
		"small": {Name: "small", CPUs: 1, MemoryBytes: 1 << 30},
		"large": {Name: "large", CPUs: 2, MemoryBytes: 4 << 30},
	}

	t.Run("host only", func(t *testing.T) {
		text, isErr := callHostCapacity(t, reader, lookup, nil, nil)
		if isErr {
			t.Fatalf("error result %q", text)
		}
		var out struct {
			Host Capacity `json:"host"`
			Fit  *Fit     `json:"fit"`
		}
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if out.Host.CPUs != 4 || out.Fit != nil {
			t.Errorf("output = %+v", out)
		}
	})

	for _, tc := range []struct {
		name string
		fits bool
	}{{"small", true}, {"large", false}} {
		t.Run("fit "+tc.name, func(t *testing.T) {
			text, isErr := callHostCapacity(t, reader, lookup, nil, map[string]any{"name": tc.name})
			if isErr {
				t.Fatalf("error result %q", text)
			}
			var out struct {
				Fit Fit `json:"fit"`
			}
			if err := json.Unmarshal([]byte(text), &out); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if out.Fit.Instance != tc.name || out.Fit.Fits != tc.fits {
				t.Errorf("fit = %+v, want fits=%v", out.Fit, tc.fits)
			}
		})
	}

	t.Run("unknown instance", func(t *testing.T) {
		text, isErr := callHostCapacity(t, reader, lookup, nil, map[string]any{"name": "ghost"})
		if !isErr || !strings.Contains(text, "unknown instance") {
			t.Errorf("result = %q (error=%v), want unknown instance error", text, isErr)
		}
	})

	t.Run("reader failure", func(t *testing.T) {
		text, isErr := callHostCapacity(t, &stubReader{err: errors.New("no proc")}, lookup, nil, nil)
		if !isErr || !strings.Contains(text, "no proc") {
			t.Errorf("result = %q (error=%v), want reader error", text, isErr)
		}
	})
}

func Test_HostCapacity_FilteredInstance(t *testing.T) {
	filter, err := safety.NewFilter(nil, []string{"large"})
	if err != nil {
		t.Fatalf("NewFilter() error = %v", err)
	}
	reader := &stubReader{c: &Capacity{CPUs: 4, MemAvailableBytes: 8 << 30}}
	lookup := stubLookup{"large": {Name: "large", CPUs: 2, MemoryBytes: 4 << 30}}

	text, isErr := callHostCapacity(t, reader, lookup, filter, map[string]any{"name": "large"})
	if !isErr || !strings.Contains(text, "not allowed") {
		t.Errorf("result = %q (error=%v), want access denied", text, isErr)
	}
	if strings.Contains(text, "memory") || strings.Contains(text, "cpus") {
		t.Errorf("denied result discloses instance details: %q", text)
	}
	if reader.calls != 0 {
		t.Errorf("Capacity calls = %d, want 0 for a denied instance", reader.calls)
	}

	// Host-only requests are unaffected by the filter.
	if text, isErr := callHostCapacity(t, reader, lookup, filter, nil); isErr {
		t.Errorf("host-only result = %q, want success", text)
	}
}
