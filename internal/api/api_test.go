package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nordvang/kantine/internal/store/gormstore"
	"github.com/nordvang/kantine/internal/vipps"
	"github.com/nordvang/kantine/internal/workflows"
	"github.com/nordvang/kantine/pkg/ledger"
)

var testSecret = []byte("test-secret")

type apiFixture struct {
	server *httptest.Server
	store  *gormstore.Store
	engine *ledger.Service
	client *stubPaymentClient
}

type stubPaymentClient struct {
	state string
}

func (client *stubPaymentClient) CreatePayment(_ context.Context, request vipps.CreatePaymentRequest) (vipps.CreatePaymentResult, error) {
	return vipps.CreatePaymentResult{
		Reference:   request.Reference,
		RedirectURL: "https://pay.example/redirect/" + request.Reference,
	}, nil
}

func (client *stubPaymentClient) GetPayment(_ context.Context, reference string) (vipps.Payment, error) {
	return vipps.Payment{Reference: reference, State: client.state}, nil
}

func (client *stubPaymentClient) CapturePayment(context.Context, string, int64) error { return nil }

func (client *stubPaymentClient) CancelPayment(context.Context, string) error { return nil }

func newFixture(test *testing.T) *apiFixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(test, err)
	require.NoError(test, gormstore.AutoMigrate(db))
	store := gormstore.New(db)

	engine, err := ledger.NewService(store, func() time.Time {
		return time.Date(2026, time.March, 2, 11, 0, 0, 0, time.UTC)
	})
	require.NoError(test, err)

	paymentClient := &stubPaymentClient{state: vipps.StateCreated}
	server := NewServer(
		zap.NewNop(),
		engine,
		workflows.NewLunch(engine),
		workflows.NewPurchases(engine, 0, nil),
		workflows.NewGateway(engine, paymentClient, 0, "https://kantine.example/retur"),
		workflows.NewAdmin(engine),
		testSecret,
	)
	fixture := &apiFixture{
		server: httptest.NewServer(server.Router()),
		store:  store,
		engine: engine,
		client: paymentClient,
	}
	test.Cleanup(fixture.server.Close)
	return fixture
}

func (fixture *apiFixture) seedAccount(test *testing.T, userID int64, credit int, owes int) {
	test.Helper()
	ctx := context.Background()
	_, err := fixture.store.EnsureAccount(ctx, userID)
	require.NoError(test, err)
	require.NoError(test, fixture.store.SaveBalances(ctx, userID, credit, owes))
}

func (fixture *apiFixture) request(test *testing.T, method string, path string, body any, token string) *http.Response {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(test, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, fixture.server.URL+path, reader)
	require.NoError(test, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := fixture.server.Client().Do(request)
	require.NoError(test, err)
	test.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func decodeBody(test *testing.T, response *http.Response, out any) {
	test.Helper()
	require.NoError(test, json.NewDecoder(response.Body).Decode(out))
}

func mintToken(test *testing.T, userID int64, admin bool) string {
	test.Helper()
	token, err := MintSessionToken(testSecret, "kantine-test", time.Now(), time.Hour, userID, admin)
	require.NoError(test, err)
	return token
}

func TestHealthzIsPublic(test *testing.T) {
	fixture := newFixture(test)
	response := fixture.request(test, http.MethodGet, "/healthz", nil, "")
	require.Equal(test, http.StatusOK, response.StatusCode)
}

func TestAPIRequiresSession(test *testing.T) {
	fixture := newFixture(test)

	response := fixture.request(test, http.MethodGet, "/api/balance", nil, "")
	require.Equal(test, http.StatusUnauthorized, response.StatusCode)

	response = fixture.request(test, http.MethodGet, "/api/balance", nil, "not-a-jwt")
	require.Equal(test, http.StatusUnauthorized, response.StatusCode)

	expired, err := MintSessionToken(testSecret, "kantine-test", time.Now().Add(-2*time.Hour), time.Hour, 7, false)
	require.NoError(test, err)
	response = fixture.request(test, http.MethodGet, "/api/balance", nil, expired)
	require.Equal(test, http.StatusUnauthorized, response.StatusCode)
}

func TestBalanceEndpoint(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 4, 22)
	token := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodGet, "/api/balance", nil, token)
	require.Equal(test, http.StatusOK, response.StatusCode)

	var body struct {
		Credit       int `json:"credit"`
		PendingDelta int `json:"pending_delta"`
		OwesDKK      int `json:"owes_dkk"`
	}
	decodeBody(test, response, &body)
	require.Equal(test, 4, body.Credit)
	require.Equal(test, 22, body.OwesDKK)
}

func TestBalanceUnknownAccount(test *testing.T) {
	fixture := newFixture(test)
	token := mintToken(test, 42, false)
	response := fixture.request(test, http.MethodGet, "/api/balance", nil, token)
	require.Equal(test, http.StatusNotFound, response.StatusCode)
}

func TestLunchRegistrationRoundTrip(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 2, 0)
	token := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodPost, "/api/lunch/registrations", map[string]string{"date": "2026-03-02"}, token)
	require.Equal(test, http.StatusCreated, response.StatusCode)

	var created struct {
		Delta  int    `json:"delta"`
		Kind   string `json:"kind"`
		Status string `json:"status"`
		Source string `json:"source"`
	}
	decodeBody(test, response, &created)
	require.Equal(test, -1, created.Delta)
	require.Equal(test, "spend", created.Kind)
	require.Equal(test, "posted", created.Status)
	require.Equal(test, "lunch:2026-03-02", created.Source)

	response = fixture.request(test, http.MethodDelete, "/api/lunch/registrations/2026-03-02", nil, token)
	require.Equal(test, http.StatusOK, response.StatusCode)

	balance, err := fixture.engine.Balance(context.Background(), 7)
	require.NoError(test, err)
	require.Equal(test, 2, balance.Credit)
}

func TestLunchRegistrationRejectsBadDate(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 2, 0)
	token := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodPost, "/api/lunch/registrations", map[string]string{"date": "02/03/2026"}, token)
	require.Equal(test, http.StatusBadRequest, response.StatusCode)
}

func TestLunchRegistrationInsufficientCredit(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 0, 0)
	token := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodPost, "/api/lunch/registrations", map[string]string{"date": "2026-03-02"}, token)
	require.Equal(test, http.StatusConflict, response.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	decodeBody(test, response, &body)
	require.Equal(test, "insufficient_credit", body.Error)
}

func TestCouponPurchaseEndpoint(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 0, 0)
	token := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodPost, "/api/purchases", map[string]int{"clips": 5}, token)
	require.Equal(test, http.StatusCreated, response.StatusCode)

	var created struct {
		Delta  int    `json:"delta"`
		Status string `json:"status"`
	}
	decodeBody(test, response, &created)
	require.Equal(test, 5, created.Delta)
	require.Equal(test, "pending", created.Status)

	response = fixture.request(test, http.MethodPost, "/api/purchases", map[string]int{"clips": 3}, token)
	require.Equal(test, http.StatusBadRequest, response.StatusCode)
}

func TestCouponPurchaseDebtCeiling(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 0, 110)
	token := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodPost, "/api/purchases", map[string]int{"clips": 1}, token)
	require.Equal(test, http.StatusConflict, response.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	decodeBody(test, response, &body)
	require.Equal(test, "debt_ceiling_exceeded", body.Error)
}

func TestPaymentFlowOverHTTP(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 0, 0)
	token := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodPost, "/api/payments", map[string]int{"clips": 5}, token)
	require.Equal(test, http.StatusCreated, response.StatusCode)

	var initiated struct {
		Reference   string `json:"reference"`
		RedirectURL string `json:"redirect_url"`
	}
	decodeBody(test, response, &initiated)
	require.NotEmpty(test, initiated.Reference)
	require.Contains(test, initiated.RedirectURL, initiated.Reference)

	response = fixture.request(test, http.MethodGet, "/api/payments/"+initiated.Reference, nil, token)
	require.Equal(test, http.StatusOK, response.StatusCode)
	var pending struct {
		State string `json:"state"`
	}
	decodeBody(test, response, &pending)
	require.Equal(test, "pending", pending.State)

	fixture.client.state = vipps.StateAuthorized
	response = fixture.request(test, http.MethodGet, "/api/payments/"+initiated.Reference, nil, token)
	require.Equal(test, http.StatusOK, response.StatusCode)
	var completed struct {
		State        string `json:"state"`
		ClipsGranted int    `json:"clips_granted"`
	}
	decodeBody(test, response, &completed)
	require.Equal(test, "completed", completed.State)
	require.Equal(test, 5, completed.ClipsGranted)

	balance, err := fixture.engine.Balance(context.Background(), 7)
	require.NoError(test, err)
	require.Equal(test, 5, balance.Credit)
}

func TestLedgerEndpointFiltersAndPages(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 30, 0)
	token := mintToken(test, 7, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fixture.engine.CreatePosted(ctx, ledger.Draft{
			UserID: 7, Delta: -1, Kind: ledger.KindSpend, Source: "lunch:2026-03-02", ActorID: 7, Note: "Frokost",
		})
		require.NoError(test, err)
	}
	_, err := fixture.engine.CreditPurchase(ctx, 7, 1, 22, "purchase:web", "Køb af 1 klip", 7)
	require.NoError(test, err)

	response := fixture.request(test, http.MethodGet, "/api/ledger", nil, token)
	require.Equal(test, http.StatusOK, response.StatusCode)
	var page struct {
		Items   []map[string]any `json:"items"`
		Total   int64            `json:"total"`
		Page    int              `json:"page"`
		PerPage int              `json:"per_page"`
	}
	decodeBody(test, response, &page)
	require.EqualValues(test, 4, page.Total)
	require.Len(test, page.Items, 4)
	require.Equal(test, 1, page.Page)
	require.Equal(test, 20, page.PerPage)

	response = fixture.request(test, http.MethodGet, "/api/ledger?kind=spend", nil, token)
	require.Equal(test, http.StatusOK, response.StatusCode)
	decodeBody(test, response, &page)
	require.EqualValues(test, 3, page.Total)

	response = fixture.request(test, http.MethodGet, "/api/ledger?status=pending", nil, token)
	require.Equal(test, http.StatusOK, response.StatusCode)
	decodeBody(test, response, &page)
	require.EqualValues(test, 1, page.Total)

	response = fixture.request(test, http.MethodGet, "/api/ledger?kind=bogus", nil, token)
	require.Equal(test, http.StatusBadRequest, response.StatusCode)
}

func TestAdminEndpointsRequireAdminClaim(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 0, 44)
	memberToken := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodGet, "/api/admin/debtors", nil, memberToken)
	require.Equal(test, http.StatusForbidden, response.StatusCode)
}

func TestAdminDebtorsAndMarkPaid(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 0, 0)
	adminToken := mintToken(test, 1, true)
	memberToken := mintToken(test, 7, false)

	response := fixture.request(test, http.MethodPost, "/api/purchases", map[string]int{"clips": 5}, memberToken)
	require.Equal(test, http.StatusCreated, response.StatusCode)

	response = fixture.request(test, http.MethodGet, "/api/admin/debtors", nil, adminToken)
	require.Equal(test, http.StatusOK, response.StatusCode)
	var debtors struct {
		Debtors []struct {
			UserID  int64 `json:"user_id"`
			OwesDKK int   `json:"owes_dkk"`
		} `json:"debtors"`
	}
	decodeBody(test, response, &debtors)
	require.Len(test, debtors.Debtors, 1)
	require.Equal(test, int64(7), debtors.Debtors[0].UserID)
	require.Equal(test, 110, debtors.Debtors[0].OwesDKK)

	response = fixture.request(test, http.MethodPost, "/api/admin/users/7/mark-paid", nil, adminToken)
	require.Equal(test, http.StatusOK, response.StatusCode)
	var marked struct {
		PurchasesPosted int `json:"purchases_posted"`
	}
	decodeBody(test, response, &marked)
	require.Equal(test, 1, marked.PurchasesPosted)

	response = fixture.request(test, http.MethodGet, "/api/admin/debtors", nil, adminToken)
	require.Equal(test, http.StatusOK, response.StatusCode)
	decodeBody(test, response, &debtors)
	require.Empty(test, debtors.Debtors)
}

func TestAdminAdjustmentEndpoint(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 1, 0)
	adminToken := mintToken(test, 1, true)

	response := fixture.request(test, http.MethodPost, "/api/admin/users/7/adjustments", map[string]any{"delta": 3, "note": "rettelse"}, adminToken)
	require.Equal(test, http.StatusCreated, response.StatusCode)

	balance, err := fixture.engine.Balance(context.Background(), 7)
	require.NoError(test, err)
	require.Equal(test, 4, balance.Credit)

	response = fixture.request(test, http.MethodPost, "/api/admin/users/bogus/adjustments", map[string]any{"delta": 1}, adminToken)
	require.Equal(test, http.StatusBadRequest, response.StatusCode)
}

func TestPaymentsDisabledWithoutGateway(test *testing.T) {
	fixture := newFixture(test)
	fixture.seedAccount(test, 7, 0, 0)
	token := mintToken(test, 7, false)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	require.NoError(test, gormstore.AutoMigrate(db))
	store := gormstore.New(db)
	engine, err := ledger.NewService(store, time.Now)
	require.NoError(test, err)
	bare := NewServer(zap.NewNop(), engine, workflows.NewLunch(engine), workflows.NewPurchases(engine, 0, nil), nil, workflows.NewAdmin(engine), testSecret)
	server := httptest.NewServer(bare.Router())
	defer server.Close()

	request, err := http.NewRequest(http.MethodPost, server.URL+"/api/payments", bytes.NewReader([]byte(`{"clips":1}`)))
	require.NoError(test, err)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := server.Client().Do(request)
	require.NoError(test, err)
	defer response.Body.Close()
	require.Equal(test, http.StatusServiceUnavailable, response.StatusCode)
}
