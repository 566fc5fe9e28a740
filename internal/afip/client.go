package afip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"invoicer/internal/fiscal"
	"invoicer/internal/logger"
	"invoicer/pkg/services"
)

// Config points the client at a WSFE sidecar. The sidecar owns the WSAA
// certificate, the access ticket and its renewal.
type Config struct {
	BaseURL    string
	IssuerCUIT fiscal.CUIT
	Timeout    time.Duration
}

// Client implements services.TaxAuthorityGateway over the sidecar's JSON API.
type Client struct {
	baseURL    string
	issuer     fiscal.CUIT
	httpClient *http.Client
	log        zerolog.Logger
}

// facturarRequest is the body of POST /facturar.
type facturarRequest struct {
	IssuerCUIT  string                    `json:"cuit_emisor"`
	Comprobante services.AuthorityInvoice `json:"comprobante"`
}

type observation struct {
	Code    int    `json:"codigo"`
	Message string `json:"mensaje"`
}

// facturarResponse mirrors the sidecar's FECAESolicitar answer.
type facturarResponse struct {
	CAE            string        `json:"cae"`
	CAEVencimiento string        `json:"cae_vencimiento"` // yyyymmdd
	Resultado      string        `json:"resultado"`       // "A" approved, "R" rejected
	Numero         int64         `json:"numero_comprobante"`
	Observaciones  []observation `json:"observaciones"`
	Errores        []observation `json:"errores"`
}

type lastVoucherResponse struct {
	Numero int64 `json:"numero"`
}

var _ services.TaxAuthorityGateway = (*Client)(nil)

const (
	resultApproved = "A"
	maxErrorBody   = 4 << 10
)

// NewClient creates a sidecar client.
func NewClient(cfg Config) (*Client, error) {
	const op = "NewClient"

	if cfg.BaseURL == "" {
		return nil, fiscal.NewValidationError("afip_sidecar_url", cfg.BaseURL, "is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%s: invalid sidecar URL: %w", op, err)
	}
	if cfg.IssuerCUIT.IsZero() {
		return nil, fiscal.NewValidationError("issuer_cuit", "", "is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		issuer:     cfg.IssuerCUIT,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.WithComponent("afip"),
	}, nil
}

// CreateInvoice asks the authority for a CAE. Transport failures, non-200 answers and
// approvals without a CAE return an error: the caller cannot know whether the voucher
// was issued. A decoded "R" result is a rejection.
func (c *Client) CreateInvoice(ctx context.Context, invoice services.AuthorityInvoice, salesPoint int) (*services.SubmissionResult, error) {
	const op = "CreateInvoice"

	invoice.SalesPoint = salesPoint
	body, err := json.Marshal(facturarRequest{IssuerCUIT: c.issuer.String(), Comprobante: invoice})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal payload: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/facturar", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp facturarResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fiscal.NewInfrastructureError(op, err, fmt.Sprintf("sales point %d voucher %d", salesPoint, invoice.VoucherFrom))
	}

	result := &services.SubmissionResult{
		Success:       resp.Resultado == resultApproved,
		CAE:           resp.CAE,
		VoucherNumber: resp.Numero,
		Observations:  formatObservations(resp.Observaciones),
	}
	if result.VoucherNumber == 0 {
		result.VoucherNumber = invoice.VoucherFrom
	}

	if !result.Success {
		result.ErrorMessage = strings.Join(formatObservations(resp.Errores), "; ")
		if result.ErrorMessage == "" {
			result.ErrorMessage = fmt.Sprintf("rejected by AFIP (resultado %q)", resp.Resultado)
		}
		c.log.Warn().
			Int("sales_point", salesPoint).
			Int64("voucher", invoice.VoucherFrom).
			Str("error", result.ErrorMessage).
			Strs("observations", result.Observations).
			Msg("Invoice rejected")
		return result, nil
	}

	if resp.CAE == "" {
		return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("approved response without CAE"), fmt.Sprintf("sales point %d voucher %d", salesPoint, invoice.VoucherFrom))
	}
	if resp.CAEVencimiento != "" {
		exp, err := fiscal.ParseCompactDate("cae_vencimiento", resp.CAEVencimiento)
		if err != nil {
			c.log.Warn().Str("cae_vencimiento", resp.CAEVencimiento).Msg("Unparseable CAE expiration")
		} else {
			result.CAEExpiration = exp.In(time.UTC)
		}
	}

	c.log.Info().
		Int("sales_point", salesPoint).
		Int64("voucher", result.VoucherNumber).
		Str("cae", result.CAE).
		Msg("CAE received")

	return result, nil
}

// GetLastInvoiceNumber returns FECompUltimoAutorizado for the sales point and voucher type.
func (c *Client) GetLastInvoiceNumber(ctx context.Context, salesPoint int, invoiceType int) (int64, error) {
	const op = "GetLastInvoiceNumber"

	q := url.Values{}
	q.Set("cuit_emisor", c.issuer.String())
	q.Set("punto_de_venta", strconv.Itoa(salesPoint))
	q.Set("tipo_comprobante", strconv.Itoa(invoiceType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ultimo-comprobante?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	var resp lastVoucherResponse
	if err := c.do(req, &resp); err != nil {
		return 0, fiscal.NewInfrastructureError(op, err, fmt.Sprintf("sales point %d type %d", salesPoint, invoiceType))
	}

	c.log.Debug().
		Int("sales_point", salesPoint).
		Int("voucher_type", invoiceType).
		Int64("last_voucher", resp.Numero).
		Msg("Last voucher fetched")

	return resp.Numero, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("sidecar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func formatObservations(obs []observation) []string {
	if len(obs) == 0 {
		return nil
	}
	out := make([]string, 0, len(obs))
	for _, o := range obs {
		out = append(out, fmt.Sprintf("%d: %s", o.Code, o.Message))
	}
	return out
}
