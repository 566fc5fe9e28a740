package afip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"invoicer/internal/fiscal"
	"invoicer/pkg/services"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	issuer, err := fiscal.ParseCUIT("20-12345678-6")
	require.NoError(t, err)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", IssuerCUIT: issuer, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func sampleInvoice() services.AuthorityInvoice {
	return services.AuthorityInvoice{
		VoucherType: fiscal.VoucherFacturaC,
		Concept:     2,
		DocType:     fiscal.DocTypeFinalConsumer,
		VoucherFrom: 8,
		VoucherTo:   8,
		VoucherDate: "20250317",
		TotalAmount: 120675,
		NetAmount:   120675,
		CurrencyID:  "PES",
	}
}

func TestClient_CreateInvoice(t *testing.T) {
	t.Run("approved", func(t *testing.T) {
		var got facturarRequest
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/facturar", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"cae":                "75123456789012",
				"cae_vencimiento":    "20250327",
				"resultado":          "A",
				"numero_comprobante": 8,
				"observaciones":      []map[string]interface{}{{"codigo": 10063, "mensaje": "fecha de servicio ajustada"}},
			})
		})

		res, err := c.CreateInvoice(context.Background(), sampleInvoice(), 3)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "75123456789012", res.CAE)
		assert.Equal(t, int64(8), res.VoucherNumber)
		assert.Equal(t, time.Date(2025, time.March, 27, 0, 0, 0, 0, time.UTC), res.CAEExpiration)
		assert.Equal(t, []string{"10063: fecha de servicio ajustada"}, res.Observations)

		assert.Equal(t, "20123456786", got.IssuerCUIT)
		assert.Equal(t, 3, got.Comprobante.SalesPoint)
		assert.Equal(t, int64(8), got.Comprobante.VoucherFrom)
	})

	t.Run("rejected", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"resultado": "R",
				"errores":   []map[string]interface{}{{"codigo": 10016, "mensaje": "El numero de comprobante no es el proximo a autorizar"}},
			})
		})

		res, err := c.CreateInvoice(context.Background(), sampleInvoice(), 3)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "10016")
		assert.Empty(t, res.CAE)
	})

	t.Run("server error is an unknown outcome", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "WSFE timeout", http.StatusBadGateway)
		})

		res, err := c.CreateInvoice(context.Background(), sampleInvoice(), 3)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.True(t, fiscal.IsRetryable(err))
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("approval without CAE is an unknown outcome", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"resultado":"A"}`))
		})

		_, err := c.CreateInvoice(context.Background(), sampleInvoice(), 3)
		assert.True(t, fiscal.IsRetryable(err))
	})

	t.Run("garbled body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		})

		_, err := c.CreateInvoice(context.Background(), sampleInvoice(), 3)
		assert.True(t, fiscal.IsRetryable(err))
	})
}

func TestClient_GetLastInvoiceNumber(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ultimo-comprobante", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("punto_de_venta"))
		assert.Equal(t, "11", r.URL.Query().Get("tipo_comprobante"))
		assert.Equal(t, "20123456786", r.URL.Query().Get("cuit_emisor"))
		_, _ = w.Write([]byte(`{"numero": 41}`))
	})

	last, err := c.GetLastInvoiceNumber(context.Background(), 3, fiscal.VoucherFacturaC)
	require.NoError(t, err)
	assert.Equal(t, int64(41), last)
}

func TestNewClient_Validation(t *testing.T) {
	issuer, err := fiscal.ParseCUIT("20123456786")
	require.NoError(t, err)

	_, err = NewClient(Config{IssuerCUIT: issuer})
	assert.True(t, fiscal.IsValidation(err))

	_, err = NewClient(Config{BaseURL: "http://localhost:8081"})
	assert.True(t, fiscal.IsValidation(err))

	_, err = NewClient(Config{BaseURL: "not a url", IssuerCUIT: issuer})
	assert.Error(t, err)
}
