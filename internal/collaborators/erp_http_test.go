package collaborators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/models"
)

func newERPServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPERPClient) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewHTTPERPClient(ERPConfig{
		BaseURL:      srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/oauth/token",
	}, zap.NewNop())
	return srv, client
}

func TestFetchInvoices(t *testing.T) {
	_, client := newERPServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "INV-1,INV-2", r.URL.Query().Get("ids"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"invoices": []models.Invoice{
				{ID: "INV-1", AmountDue: 100, Currency: "EUR"},
				{ID: "INV-2", AmountDue: 250, Currency: "EUR"},
			},
		})
	})

	invoices, err := client.FetchInvoices(context.Background(), []string{"INV-1", "INV-2"})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "INV-1", invoices[0].ID)
}

func TestFetchInvoicesNoneKnownIsPermanent(t *testing.T) {
	_, client := newERPServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"invoices": []models.Invoice{}})
	})

	_, err := client.FetchInvoices(context.Background(), []string{"GHOST-1"})
	require.Error(t, err)
	assert.Equal(t, activity.KindPermanent, activity.KindOf(err))
}

func TestPostApplicationSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	_, client := newERPServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewEncoder(w).Encode(ApplicationResult{AppliedCount: 1})
	})

	res, err := client.PostApplication(context.Background(), "run-1/update_erp/2", ApplicationRequest{
		RunID:     "run-1",
		PaymentID: "p1",
		Matches:   []models.Match{{PaymentID: "p1", InvoiceID: "i1", AmountToApply: 100}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AppliedCount)
	assert.Equal(t, "run-1/update_erp/2", gotKey)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   activity.Kind
	}{
		{"server error is transient", http.StatusInternalServerError, activity.KindTransient},
		{"rate limit is transient", http.StatusTooManyRequests, activity.KindTransient},
		{"not found is permanent", http.StatusNotFound, activity.KindPermanent},
		{"validation failure is permanent", http.StatusUnprocessableEntity, activity.KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newERPServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := client.PostApplication(context.Background(), "key", ApplicationRequest{PaymentID: "p1"})
			require.Error(t, err)
			assert.Equal(t, tt.want, activity.KindOf(err))
		})
	}
}
