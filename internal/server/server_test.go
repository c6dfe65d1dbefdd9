package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dropgate/internal/claim"
	"dropgate/internal/config"
	"dropgate/internal/contract"
	"dropgate/internal/hmacauth"
	"dropgate/internal/idempotency"
	"dropgate/internal/merkle"
	"dropgate/internal/sigmint"
	"dropgate/internal/storage"
)

const testSecret = "test-secret"

var (
	dropAddr = common.HexToAddress("0x00000000000000000000000000000000000d0d0d")
	alice    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	carol    = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type testEnv struct {
	fake   *contract.FakeClient
	srv    *Server
	health map[string]HealthCheck
}

func newTestEnv(t *testing.T, rateLimit string) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	now := time.Unix(1_000, 0)

	fake := contract.NewFakeClient(dropAddr, 1337)
	fake.Now = func() time.Time { return now }
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	fake.GrantRole(contract.MustRoleHash(contract.RoleMinter), crypto.PubkeyToAddress(key.PublicKey))

	metrics := NewMetrics()
	store := storage.NewContentStore(storage.NewMemoryBlobs(), log).WithObserver(metrics.ObserveStorage)
	conditions := claim.NewConditions(fake, fake, store, log, claim.ConditionsConfig{
		Now: func() time.Time { return now },
	})
	minter := sigmint.New(fake, fake, store, key, log, sigmint.Config{})

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Hour,
			RateLimit:         rateLimit,
		},
	}
	env := &testEnv{fake: fake, health: map[string]HealthCheck{}}
	env.srv, err = NewServer(cfg, Deps{
		Conditions:  conditions,
		Minter:      minter,
		Idempotency: idempotency.NewMemoryStore(),
		Metrics:     metrics,
		Health:      env.health,
		Log:         log,
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) admin(t *testing.T, method, path, idemKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	hmacauth.SignRequest(req, testSecret, payload, time.Now())
	req.Header.Set(idempotency.HeaderKey, idemKey)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type eligibilityResult struct {
	Eligible bool `json:"eligible"`
	Reasons  []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"reasons"`
}

func reasonCodes(r eligibilityResult) []string {
	out := []string{}
	for _, reason := range r.Reasons {
		out = append(out, reason.Code)
	}
	return out
}

func TestSetConditionsIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "")
	body := setConditionsRequest{Conditions: []claim.ClaimConditionInput{{StartTime: "500", MaxQuantity: "10"}}}

	first := env.admin(t, http.MethodPost, "/api/v1/tokens/0/claim-conditions", "set-1", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := env.admin(t, http.MethodPost, "/api/v1/tokens/0/claim-conditions", "set-1", body)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, 1, env.fake.Multicalls())

	result := decode[map[string]any](t, first)
	assert.Contains(t, result, "receipt")

	all := decode[[]map[string]any](t, env.get(t, "/api/v1/tokens/0/claim-conditions"))
	require.Len(t, all, 1)
	assert.Equal(t, "10", all[0]["availableSupply"])

	active := env.get(t, "/api/v1/tokens/0/claim-conditions/active")
	assert.Equal(t, http.StatusOK, active.Code)
}

func TestAdminRoutesRequireSignature(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.post(t, "/api/v1/tokens/0/claim-conditions", setConditionsRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.fake.Multicalls())
}

func TestAdminRoutesRequireIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.admin(t, http.MethodPost, "/api/v1/tokens/0/claim-conditions", "", setConditionsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEligibilityEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.admin(t, http.MethodPost, "/api/v1/tokens/0/claim-conditions", "set-1",
		setConditionsRequest{Conditions: []claim.ClaimConditionInput{{StartTime: "500", MaxQuantity: "10"}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"eligible", "?address=" + alice.Hex() + "&quantity=5", []string{}},
		{"default quantity", "?address=" + alice.Hex(), []string{}},
		{"not enough supply", "?address=" + alice.Hex() + "&quantity=20", []string{"NotEnoughSupply"}},
		{"no wallet", "?quantity=1", []string{"NoWallet"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.get(t, "/api/v1/tokens/0/eligibility"+tc.query)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			got := decode[eligibilityResult](t, rec)
			assert.Equal(t, tc.want, reasonCodes(got))
			assert.Equal(t, len(tc.want) == 0, got.Eligible)
		})
	}

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/tokens/0/eligibility?address=0xnope").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/tokens/abc/eligibility?address="+alice.Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/tokens/0/eligibility?address="+alice.Hex()+"&quantity=0").Code)
}

func TestNoActivePhaseEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/tokens/0/claim-conditions/active").Code)

	rec := env.get(t, "/api/v1/tokens/0/eligibility?address="+alice.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"NoActiveClaimPhase"}, reasonCodes(decode[eligibilityResult](t, rec)))

	all := decode[[]map[string]any](t, env.get(t, "/api/v1/tokens/0/claim-conditions"))
	assert.Empty(t, all)
}

func TestProofAndSnapshotEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.admin(t, http.MethodPost, "/api/v1/tokens/0/claim-conditions", "set-1", setConditionsRequest{
		Conditions: []claim.ClaimConditionInput{{
			StartTime: "500",
			Snapshot:  []claim.SnapshotEntryInput{{Address: alice.Hex(), MaxClaimable: "3"}},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	set := decode[claim.SetResult](t, rec)
	require.Len(t, set.Snapshots, 1)
	root := set.Snapshots[0].MerkleRoot

	proof := env.get(t, "/api/v1/tokens/0/proof?address="+alice.Hex())
	require.Equal(t, http.StatusOK, proof.Code, proof.Body.String())
	body := decode[struct {
		Proof        []common.Hash `json:"proof"`
		MaxClaimable string        `json:"maxClaimable"`
	}](t, proof)
	assert.Equal(t, "3", body.MaxClaimable)
	assert.True(t, merkle.Verify(root, merkle.LeafHash(alice, big.NewInt(3)), body.Proof))

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/tokens/0/proof?address="+carol.Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/tokens/0/proof").Code)

	snap := env.get(t, "/api/v1/snapshots/"+root.Hex())
	require.Equal(t, http.StatusOK, snap.Code)
	assert.Equal(t, root, decode[claim.Snapshot](t, snap).MerkleRoot)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/snapshots/"+common.HexToHash("0x01").Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/snapshots/nope").Code)
}

func TestUpdateCondition(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.admin(t, http.MethodPost, "/api/v1/tokens/0/claim-conditions", "set-1",
		setConditionsRequest{Conditions: []claim.ClaimConditionInput{{StartTime: "500", MaxQuantity: "10"}}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.admin(t, http.MethodPatch, "/api/v1/tokens/0/claim-conditions/0", "update-1", claim.ClaimConditionInput{MaxQuantity: "3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	all := decode[[]map[string]any](t, env.get(t, "/api/v1/tokens/0/claim-conditions"))
	require.Len(t, all, 1)
	assert.Equal(t, "3", all[0]["maxQuantity"])

	rec = env.admin(t, http.MethodPatch, "/api/v1/tokens/0/claim-conditions/4", "update-2", claim.ClaimConditionInput{MaxQuantity: "3"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.admin(t, http.MethodPatch, "/api/v1/tokens/0/claim-conditions/x", "update-3", claim.ClaimConditionInput{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidConditionIsRejected(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.admin(t, http.MethodPost, "/api/v1/tokens/0/claim-conditions", "set-1",
		setConditionsRequest{Conditions: []claim.ClaimConditionInput{{Price: "free"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Error, "price")
	assert.Equal(t, 0, env.fake.Multicalls())
}

func TestSignatureRoundTrip(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.admin(t, http.MethodPost, "/api/v1/signatures", "sig-1", generateRequest{
		Payloads: []sigmint.PayloadInput{{
			Metadata: json.RawMessage(`{"name":"Shield"}`),
			Quantity: "2",
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[struct {
		Signed []sigmint.SignedPayload `json:"signed"`
	}](t, rec)
	require.Len(t, out.Signed, 1)

	verify := env.post(t, "/api/v1/signatures/verify", out.Signed[0])
	require.Equal(t, http.StatusOK, verify.Code, verify.Body.String())
	assert.True(t, decode[struct {
		Valid bool `json:"valid"`
	}](t, verify).Valid)

	tampered := out.Signed[0]
	tampered.Payload.Quantity = big.NewInt(99)
	verify = env.post(t, "/api/v1/signatures/verify", tampered)
	require.Equal(t, http.StatusOK, verify.Code)
	assert.False(t, decode[struct {
		Valid bool `json:"valid"`
	}](t, verify).Valid)

	bad := env.admin(t, http.MethodPost, "/api/v1/signatures", "sig-2", generateRequest{
		Payloads: []sigmint.PayloadInput{{Quantity: "1"}},
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	empty := env.admin(t, http.MethodPost, "/api/v1/signatures", "sig-3", generateRequest{})
	assert.Equal(t, http.StatusBadRequest, empty.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	env.health["rpc"] = func(context.Context) error { return nil }

	rec := env.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])

	env.health["storage"] = func(context.Context) error { return errors.New("connection refused") }
	rec = env.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestReadRateLimit(t *testing.T) {
	env := newTestEnv(t, "2-M")
	path := "/api/v1/tokens/0/claim-conditions"
	assert.Equal(t, http.StatusOK, env.get(t, path).Code)
	assert.Equal(t, http.StatusOK, env.get(t, path).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.get(t, path).Code)

	// health and metrics are not limited
	assert.Equal(t, http.StatusOK, env.get(t, "/api/v1/health").Code)
}

func TestInvalidRateLimit(t *testing.T) {
	_, err := NewServer(&config.AppConfig{Service: config.ServiceConfig{RateLimit: "lots"}}, Deps{})
	assert.Error(t, err)
}

func TestMetricsAndRequestID(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.get(t, "/api/v1/tokens/0/eligibility?address="+alice.Hex())
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(headerRequestID, "fixed-id")
	out := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(out, req)
	assert.Equal(t, "fixed-id", out.Header().Get(headerRequestID))

	metrics := env.get(t, "/api/v1/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	raw, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `dropgate_eligibility_checks_total{result="ineligible"} 1`)
	assert.Contains(t, text, `dropgate_ineligibility_reasons_total{reason="NoActiveClaimPhase"} 1`)
	assert.True(t, strings.Contains(text, "dropgate_http_request_duration_seconds"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{badRequest("x"), http.StatusBadRequest},
		{&claim.ValidationError{Field: "price", Reason: "bad"}, http.StatusBadRequest},
		{&sigmint.InputError{Field: "quantity"}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", &merkle.DuplicateLeafsError{}), http.StatusBadRequest},
		{claim.ErrInvalidQuantity, http.StatusBadRequest},
		{fmt.Errorf("update: %w", claim.ErrIndexOutOfRange), http.StatusNotFound},
		{claim.ErrNotAllowlisted, http.StatusNotFound},
		{fmt.Errorf("read: %w", contract.ErrNoActiveCondition), http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{&sigmint.MissingRoleError{Role: contract.RoleMinter}, http.StatusForbidden},
		{contract.ErrReadOnly, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("rpc exploded"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
