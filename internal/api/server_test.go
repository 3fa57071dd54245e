package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/api"
	"github.com/hivebot/orchestrator/internal/hiveerr"
	"github.com/hivebot/orchestrator/pkg/types"
)

// fakeRegistry is an in-memory stand-in for registry.Registry.
type fakeRegistry struct {
	mu        sync.Mutex
	instances map[string]types.StrategyInstance
	createErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{instances: make(map[string]types.StrategyInstance)}
}

func (f *fakeRegistry) Create(ctx context.Context, cfg types.StrategyConfig) (types.StrategyInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return types.StrategyInstance{}, f.createErr
	}
	if _, exists := f.instances[cfg.Name]; exists {
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindDuplicateName, "fakeRegistry.Create", fmt.Errorf("exists"))
	}
	inst := types.StrategyInstance{Config: cfg, Status: types.StatusRunning}
	f.instances[cfg.Name] = inst
	return inst, nil
}

func (f *fakeRegistry) Update(ctx context.Context, cfg types.StrategyConfig) (types.StrategyInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.instances[cfg.Name]; !exists {
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindUnknownStrategy, "fakeRegistry.Update", fmt.Errorf("missing"))
	}
	inst := types.StrategyInstance{Config: cfg, Status: types.StatusRunning}
	f.instances[cfg.Name] = inst
	return inst, nil
}

func (f *fakeRegistry) Delete(ctx context.Context, name string, opts types.DeleteOptions) (types.CleanupReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.instances[name]; !exists {
		return types.CleanupReport{}, hiveerr.New(hiveerr.KindUnknownStrategy, "fakeRegistry.Delete", fmt.Errorf("missing"))
	}
	delete(f.instances, name)
	return types.CleanupReport{}, nil
}

func (f *fakeRegistry) Get(name string) (types.StrategyInstance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	return inst, ok
}

func (f *fakeRegistry) List() []types.StrategyInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.StrategyInstance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out
}

// fakeReconciler is an in-memory stand-in for reconciler.Reconciler.
type fakeReconciler struct {
	positions        []types.Position
	cycleErr         error
	forceClose       types.CleanupReport
	lastForceCloseOf string
}

func (f *fakeReconciler) Positions() []types.Position     { return f.positions }
func (f *fakeReconciler) Cycle(ctx context.Context) error { return f.cycleErr }
func (f *fakeReconciler) ForceClose(ctx context.Context, strategyName string) (types.CleanupReport, error) {
	f.lastForceCloseOf = strategyName
	return f.forceClose, nil
}

// fakeMirror is an in-memory stand-in for mirror.Mirror.
type fakeMirror struct {
	enabled bool
	drops   int64
	remote  []types.StrategyConfig
	loadErr error
}

func (f *fakeMirror) Enabled() bool    { return f.enabled }
func (f *fakeMirror) DropCount() int64 { return f.drops }
func (f *fakeMirror) LoadConfigsFromRemote(ctx context.Context) ([]types.StrategyConfig, error) {
	return f.remote, f.loadErr
}

// fakeConnector is an in-memory stand-in for connector.Multiplexer.
type fakeConnector struct {
	value, withdrawable decimal.Decimal
	err                 error
}

func (f *fakeConnector) AdapterBalance(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return f.value, f.withdrawable, f.err
}

func setupTestServer() (*api.Server, *fakeRegistry, *fakeReconciler, *fakeMirror) {
	reg := newFakeRegistry()
	rec := &fakeReconciler{}
	mir := &fakeMirror{}
	conn := &fakeConnector{value: decimal.NewFromInt(1000), withdrawable: decimal.NewFromInt(900)}

	srv := api.NewServer(zap.NewNop(), types.ServerConfig{Host: "127.0.0.1", Port: 0, WebSocketPath: "/ws"}, reg, rec, conn, mir, api.NewMetrics())
	return srv, reg, rec, mir
}

func testConfig(name string) types.StrategyConfig {
	return types.StrategyConfig{
		Name:              name,
		Kind:              types.KindPureMarketMaking,
		TradingPairs:      []string{"SOL/USDC"},
		RefreshIntervalMs: 1000,
		Enabled:           true,
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := setupTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, reg, _, mir := setupTestServer()
	mir.enabled = true
	reg.instances["mm-1"] = types.StrategyInstance{Config: testConfig("mm-1"), Status: types.StatusRunning}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	strategies, ok := result["strategies"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing strategies block: %v", result)
	}
	if strategies["running"] != float64(1) {
		t.Errorf("expected 1 running strategy, got %v", strategies["running"])
	}
}

func TestCreateStrategyRequiresWallet(t *testing.T) {
	srv, _, _, _ := setupTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(testConfig("mm-1"))
	resp, err := http.Post(ts.URL+"/api/strategies", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without wallet header, got %d", resp.StatusCode)
	}
}

func TestCreateAndListStrategy(t *testing.T) {
	srv, _, _, _ := setupTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(testConfig("mm-1"))
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/strategies", bytes.NewReader(body))
	req.Header.Set("X-Wallet-Address", "0xabc")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/api/strategies")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	defer listResp.Body.Close()

	var result map[string][]types.StrategyInstance
	if err := json.NewDecoder(listResp.Body).Decode(&result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(result["strategies"]) != 1 {
		t.Errorf("expected 1 strategy, got %d", len(result["strategies"]))
	}
}

func TestCreateStrategyDuplicateName(t *testing.T) {
	srv, reg, _, _ := setupTestServer()
	reg.instances["mm-1"] = types.StrategyInstance{Config: testConfig("mm-1")}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(testConfig("mm-1"))
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/strategies", bytes.NewReader(body))
	req.Header.Set("X-Wallet-Address", "0xabc")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for duplicate name, got %d", resp.StatusCode)
	}
}

func TestDeleteStrategyUnknown(t *testing.T) {
	srv, _, _, _ := setupTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/strategies/ghost", nil)
	req.Header.Set("X-Wallet-Address", "0xabc")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown strategy, got %d", resp.StatusCode)
	}
}

func TestListPositions(t *testing.T) {
	srv, _, rec, _ := setupTestServer()
	rec.positions = []types.Position{{TradingPair: "SOL/USDC", AttributedStrategy: "mm-1"}}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/positions")
	if err != nil {
		t.Fatalf("positions request failed: %v", err)
	}
	defer resp.Body.Close()

	var result map[string][]types.Position
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(result["positions"]) != 1 {
		t.Errorf("expected 1 position, got %d", len(result["positions"]))
	}
}

func TestForceCloseDecodesStrategyNameFromBody(t *testing.T) {
	srv, _, rec, _ := setupTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"strategy_name": "mm-1"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/positions/force-close", bytes.NewReader(body))
	req.Header.Set("X-Wallet-Address", "0xabc")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("force-close request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if rec.lastForceCloseOf != "mm-1" {
		t.Errorf("expected strategy_name decoded from body, got %q", rec.lastForceCloseOf)
	}
}

func TestForceCloseWithoutBodyClosesEverything(t *testing.T) {
	srv, _, rec, _ := setupTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/positions/force-close", nil)
	req.Header.Set("X-Wallet-Address", "0xabc")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("force-close request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if rec.lastForceCloseOf != "" {
		t.Errorf("expected empty strategy_name with no body, got %q", rec.lastForceCloseOf)
	}
}

func TestSyncFromPostgresCreatesMissing(t *testing.T) {
	srv, reg, _, mir := setupTestServer()
	mir.enabled = true
	mir.remote = []types.StrategyConfig{testConfig("remote-1"), testConfig("remote-2")}
	reg.instances["remote-1"] = types.StrategyInstance{Config: testConfig("remote-1")}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/sync-from-postgres", nil)
	req.Header.Set("X-Wallet-Address", "0xabc")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sync request failed: %v", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	created, ok := result["created"].([]interface{})
	if !ok || len(created) != 1 || created[0] != "remote-2" {
		t.Errorf("expected only remote-2 created, got %v", result["created"])
	}
}

func TestSyncFromPostgresDisabled(t *testing.T) {
	srv, _, _, _ := setupTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/sync-from-postgres", nil)
	req.Header.Set("X-Wallet-Address", "0xabc")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sync request failed: %v", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if result["success"] != true {
		t.Errorf("expected success=true with mirror disabled, got %v", result)
	}
}
